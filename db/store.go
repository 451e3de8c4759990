package db

import "database/sql"

//Nameplate is a row of the nameplates table
type Nameplate struct {
	ID        int64
	AppID     string
	Name      string
	MailboxID string
}

//NameplateSide is a row of the nameplate_sides table
type NameplateSide struct {
	NameplateID int64
	Claimed     bool
	Side        string
	Added       int64
}

//Mailbox is a row of the mailboxes table
type Mailbox struct {
	ID           string
	AppID        string
	Updated      int64
	ForNameplate bool
}

//MailboxSide is a row of the mailbox_sides table.
//Mood is nil until the side closes with one
type MailboxSide struct {
	MailboxID string
	Opened    bool
	Side      string
	Added     int64
	Mood      *string
}

//Message is a row of the messages table
type Message struct {
	MsgID     string
	AppID     string
	MailboxID string
	Side      string
	Phase     string
	Body      string
	ServerRX  int64
}

//Usage summarizes a torn-down nameplate or mailbox.
//WaitingTime is nil when a second side never arrived
type Usage struct {
	Started     int64
	WaitingTime *int64
	TotalTime   int64
	Result      string
}

//TransitUsage summarizes one finished transit pairing
type TransitUsage struct {
	Started    int64
	TotalTime  int64
	TotalBytes int64
	Result     string
}

//GetNameplate looks up a nameplate row by app and name.
//Returns nil without error when no row exists
func (s *Store) GetNameplate(appID, name string) (*Nameplate, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	np := Nameplate{}
	row := s.db.QueryRow(`SELECT id, app_id, name, mailbox_id FROM nameplates
		WHERE app_id=$1 AND name=$2`, appID, name)
	if err := row.Scan(&np.ID, &np.AppID, &np.Name, &np.MailboxID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &np, nil
}

//AddNameplate inserts a nameplate row and returns its id
func (s *Store) AddNameplate(appID, name, mailboxID string) (int64, error) {
	if s.db == nil {
		return 0, ErrNotOpen
	}

	res, err := s.db.Exec(`INSERT INTO nameplates (app_id, name, mailbox_id)
		VALUES ($1, $2, $3)`, appID, name, mailboxID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

//CreateNameplate inserts the backing mailbox, the nameplate, and
//its first claimed side in a single transaction, so a crash can
//never strand half of a first claim
func (s *Store) CreateNameplate(appID, name, mailboxID, side string, now int64) (int64, error) {
	var npid int64
	err := s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO mailboxes (id, app_id, updated, for_nameplate)
			VALUES ($1, $2, $3, true)`, mailboxID, appID, now); err != nil {
			return err
		}
		res, err := tx.Exec(`INSERT INTO nameplates (app_id, name, mailbox_id)
			VALUES ($1, $2, $3)`, appID, name, mailboxID)
		if err != nil {
			return err
		}
		if npid, err = res.LastInsertId(); err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO nameplate_sides (nameplate_id, claimed, side, added)
			VALUES ($1, true, $2, $3)`, npid, side, now)
		return err
	})
	return npid, err
}

//NameplateSides returns every side row of the nameplate
func (s *Store) NameplateSides(nameplateID int64) ([]NameplateSide, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	rows, err := s.db.Query(`SELECT nameplate_id, claimed, side, added
		FROM nameplate_sides WHERE nameplate_id=$1`, nameplateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sides []NameplateSide
	for rows.Next() {
		side := NameplateSide{}
		if err := rows.Scan(&side.NameplateID, &side.Claimed, &side.Side, &side.Added); err != nil {
			return nil, err
		}
		sides = append(sides, side)
	}
	return sides, rows.Err()
}

//AddNameplateSide inserts a claimed side row for the nameplate
func (s *Store) AddNameplateSide(nameplateID int64, side string, now int64) error {
	if s.db == nil {
		return ErrNotOpen
	}

	_, err := s.db.Exec(`INSERT INTO nameplate_sides (nameplate_id, claimed, side, added)
		VALUES ($1, true, $2, $3)`, nameplateID, side, now)
	return err
}

//ReleaseNameplateSide clears the claim on a side row
func (s *Store) ReleaseNameplateSide(nameplateID int64, side string) error {
	if s.db == nil {
		return ErrNotOpen
	}

	_, err := s.db.Exec(`UPDATE nameplate_sides SET claimed=false
		WHERE nameplate_id=$1 AND side=$2`, nameplateID, side)
	return err
}

//DeleteNameplate removes the nameplate and all of its side
//rows in a single transaction
func (s *Store) DeleteNameplate(nameplateID int64) error {
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM nameplate_sides WHERE nameplate_id=$1`, nameplateID); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM nameplates WHERE id=$1`, nameplateID)
		return err
	})
}

//NameplateNames returns the short names of every nameplate
//currently existing for the app
func (s *Store) NameplateNames(appID string) ([]string, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	rows, err := s.db.Query(`SELECT DISTINCT name FROM nameplates WHERE app_id=$1`, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

//NameplatesForApp returns every nameplate row of the app,
//used by the pruning scan
func (s *Store) NameplatesForApp(appID string) ([]Nameplate, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	rows, err := s.db.Query(`SELECT id, app_id, name, mailbox_id FROM nameplates
		WHERE app_id=$1`, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nps []Nameplate
	for rows.Next() {
		np := Nameplate{}
		if err := rows.Scan(&np.ID, &np.AppID, &np.Name, &np.MailboxID); err != nil {
			return nil, err
		}
		nps = append(nps, np)
	}
	return nps, rows.Err()
}

//AppIDs returns every app id with any nameplate or mailbox
//still on disk, used when pruning all apps
func (s *Store) AppIDs() ([]string, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	rows, err := s.db.Query(`SELECT app_id FROM nameplates
		UNION SELECT app_id FROM mailboxes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

//NameplateRefCount counts the nameplates still pointing at the
//mailbox. A mailbox created by a claim outlives its last close while
//this is nonzero
func (s *Store) NameplateRefCount(appID, mailboxID string) (int, error) {
	if s.db == nil {
		return 0, ErrNotOpen
	}

	var n int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM nameplates
		WHERE app_id=$1 AND mailbox_id=$2`, appID, mailboxID)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

//GetMailbox looks up a mailbox row by app and id.
//Returns nil without error when no row exists
func (s *Store) GetMailbox(appID, id string) (*Mailbox, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	mb := Mailbox{}
	row := s.db.QueryRow(`SELECT id, app_id, updated, for_nameplate FROM mailboxes
		WHERE app_id=$1 AND id=$2`, appID, id)
	if err := row.Scan(&mb.ID, &mb.AppID, &mb.Updated, &mb.ForNameplate); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &mb, nil
}

//AddMailbox inserts the mailbox row if it does not already exist
func (s *Store) AddMailbox(appID, id string, forNameplate bool, now int64) error {
	if s.db == nil {
		return ErrNotOpen
	}

	existing, err := s.GetMailbox(appID, id)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	_, err = s.db.Exec(`INSERT INTO mailboxes (id, app_id, updated, for_nameplate)
		VALUES ($1, $2, $3, $4)`, id, appID, now, forNameplate)
	return err
}

//TouchMailbox updates the last-activity timestamp of the mailbox
func (s *Store) TouchMailbox(appID, id string, now int64) error {
	if s.db == nil {
		return ErrNotOpen
	}

	_, err := s.db.Exec(`UPDATE mailboxes SET updated=$1 WHERE app_id=$2 AND id=$3`,
		now, appID, id)
	return err
}

//MailboxSides returns every side row of the mailbox
func (s *Store) MailboxSides(mailboxID string) ([]MailboxSide, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	rows, err := s.db.Query(`SELECT mailbox_id, opened, side, added, mood
		FROM mailbox_sides WHERE mailbox_id=$1`, mailboxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sides []MailboxSide
	for rows.Next() {
		side := MailboxSide{}
		var mood sql.NullString
		if err := rows.Scan(&side.MailboxID, &side.Opened, &side.Side, &side.Added, &mood); err != nil {
			return nil, err
		}
		if mood.Valid {
			side.Mood = &mood.String
		}
		sides = append(sides, side)
	}
	return sides, rows.Err()
}

//AddMailboxSide inserts an opened side row for the mailbox
func (s *Store) AddMailboxSide(mailboxID, side string, now int64) error {
	if s.db == nil {
		return ErrNotOpen
	}

	_, err := s.db.Exec(`INSERT INTO mailbox_sides (mailbox_id, opened, side, added)
		VALUES ($1, true, $2, $3)`, mailboxID, side, now)
	return err
}

//CloseMailboxSide marks the side as closed and records its mood
func (s *Store) CloseMailboxSide(mailboxID, side, mood string) error {
	if s.db == nil {
		return ErrNotOpen
	}

	var m interface{}
	if mood != "" {
		m = mood
	}
	_, err := s.db.Exec(`UPDATE mailbox_sides SET opened=false, mood=$1
		WHERE mailbox_id=$2 AND side=$3`, m, mailboxID, side)
	return err
}

//DeleteMailbox removes the mailbox, its side rows, and its
//messages in a single transaction
func (s *Store) DeleteMailbox(appID, id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM messages WHERE app_id=$1 AND mailbox_id=$2`, appID, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM mailbox_sides WHERE mailbox_id=$1`, id); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM mailboxes WHERE app_id=$1 AND id=$2`, appID, id)
		return err
	})
}

//MailboxesForApp returns every mailbox row of the app,
//used by the pruning scan
func (s *Store) MailboxesForApp(appID string) ([]Mailbox, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	rows, err := s.db.Query(`SELECT id, app_id, updated, for_nameplate FROM mailboxes
		WHERE app_id=$1`, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mbs []Mailbox
	for rows.Next() {
		mb := Mailbox{}
		if err := rows.Scan(&mb.ID, &mb.AppID, &mb.Updated, &mb.ForNameplate); err != nil {
			return nil, err
		}
		mbs = append(mbs, mb)
	}
	return mbs, rows.Err()
}

//AddMessage appends a message row. Adds are deliberately not
//idempotent: the same msg_id inserts again, clients dedupe
func (s *Store) AddMessage(msg Message) error {
	if s.db == nil {
		return ErrNotOpen
	}

	_, err := s.db.Exec(`INSERT INTO messages (msg_id, app_id, mailbox_id, side, phase, body, server_rx)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.MsgID, msg.AppID, msg.MailboxID, msg.Side, msg.Phase, msg.Body, msg.ServerRX)
	return err
}

//Messages returns the mailbox's messages in insertion order.
//The implicit rowid keeps messages with equal server_rx stable
func (s *Store) Messages(appID, mailboxID string) ([]Message, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	rows, err := s.db.Query(`SELECT msg_id, app_id, mailbox_id, side, phase, body, server_rx
		FROM messages WHERE app_id=$1 AND mailbox_id=$2 ORDER BY rowid ASC`, appID, mailboxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		msg := Message{}
		if err := rows.Scan(&msg.MsgID, &msg.AppID, &msg.MailboxID, &msg.Side,
			&msg.Phase, &msg.Body, &msg.ServerRX); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

//AddNameplateUsage records the summary of a torn-down nameplate
func (s *Store) AddNameplateUsage(appID string, u Usage) error {
	return s.addUsage(`INSERT INTO nameplate_usage (app_id, started, total_time, waiting_time, result)
		VALUES ($1, $2, $3, $4, $5)`, appID, u)
}

//AddMailboxUsage records the summary of a torn-down mailbox
func (s *Store) AddMailboxUsage(appID string, u Usage) error {
	return s.addUsage(`INSERT INTO mailbox_usage (app_id, started, total_time, waiting_time, result)
		VALUES ($1, $2, $3, $4, $5)`, appID, u)
}

func (s *Store) addUsage(query, appID string, u Usage) error {
	if s.db == nil {
		return ErrNotOpen
	}

	var waiting sql.NullInt64
	if u.WaitingTime != nil {
		waiting = sql.NullInt64{Int64: *u.WaitingTime, Valid: true}
	}
	_, err := s.db.Exec(query, appID, u.Started, u.TotalTime, waiting, u.Result)
	return err
}

//NameplateUsage returns every recorded nameplate usage row
//for the app, oldest first
func (s *Store) NameplateUsage(appID string) ([]Usage, error) {
	return s.usage(`SELECT started, total_time, waiting_time, result FROM nameplate_usage
		WHERE app_id=$1 ORDER BY rowid ASC`, appID)
}

//MailboxUsage returns every recorded mailbox usage row
//for the app, oldest first
func (s *Store) MailboxUsage(appID string) ([]Usage, error) {
	return s.usage(`SELECT started, total_time, waiting_time, result FROM mailbox_usage
		WHERE app_id=$1 ORDER BY rowid ASC`, appID)
}

func (s *Store) usage(query, appID string) ([]Usage, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	rows, err := s.db.Query(query, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Usage
	for rows.Next() {
		u := Usage{}
		var waiting sql.NullInt64
		if err := rows.Scan(&u.Started, &u.TotalTime, &waiting, &u.Result); err != nil {
			return nil, err
		}
		if waiting.Valid {
			u.WaitingTime = &waiting.Int64
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

//AddTransitUsage records the summary of one transit pairing
func (s *Store) AddTransitUsage(u TransitUsage) error {
	if s.db == nil {
		return ErrNotOpen
	}

	_, err := s.db.Exec(`INSERT INTO transit_usage (started, total_time, total_bytes, result)
		VALUES ($1, $2, $3, $4)`, u.Started, u.TotalTime, u.TotalBytes, u.Result)
	return err
}

//TransitUsageRows returns every recorded transit usage row,
//oldest first
func (s *Store) TransitUsageRows() ([]TransitUsage, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	rows, err := s.db.Query(`SELECT started, total_time, total_bytes, result
		FROM transit_usage ORDER BY rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []TransitUsage
	for rows.Next() {
		u := TransitUsage{}
		if err := rows.Scan(&u.Started, &u.TotalTime, &u.TotalBytes, &u.Result); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
