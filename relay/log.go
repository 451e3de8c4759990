package relay

import (
	"time"

	"github.com/sirupsen/logrus"

	"wormholed/log"
)

//clientLog builds a log entry tagged with the client's identity.
//The remote address only appears when the operator allowed it, and
//connection times get blurred the same way usage records do
func clientLog(c *Client) *logrus.Entry {
	fields := logrus.Fields{
		"client": c.id,
		"time":   log.BlurTime(time.Now()).Unix(),
	}
	if log.ShowAddress() {
		fields["addr"] = c.conn.RemoteAddr().String()
	}
	return log.Get().WithFields(fields)
}
