package model

// Message is the optional text payload attached to a hangout event.
type Message struct {
	Text      string `json:"text" bson:"text"`
	Timestamp int64  `json:"timestamp" bson:"timestamp"`
}

// Hangout is the relationship-state record one user holds toward a counterpart.
// Each relationship is stored twice, once per side, with complementary states.
type Hangout struct {
	Username string   `json:"username" bson:"username"`
	Email    string   `json:"email,omitempty" bson:"email,omitempty"`
	State    string   `json:"state" bson:"state"`
	Message  *Message `json:"message,omitempty" bson:"message,omitempty"`
}

// QueueEntry wraps a queued Hangout with an ID so a drain can delete exactly
// the entries it read, never entries enqueued concurrently.
type QueueEntry struct {
	ID      string  `json:"id" bson:"id"`
	Hangout Hangout `json:"hangout" bson:"hangout"`
}

// Browser is one client device of a user, identified by a client-generated
// ID that is stable across reconnects.
type Browser struct {
	BrowserID   string       `json:"browserId" bson:"browserId"`
	LastSeenAt  int64        `json:"lastSeenAt" bson:"lastSeenAt"`
	Undelivered []QueueEntry `json:"undelivered,omitempty" bson:"undelivered,omitempty"`
	Delayed     []QueueEntry `json:"delayed,omitempty" bson:"delayed,omitempty"`
}

// User is the per-account document. Undelivered at the user level holds events
// addressed to an account that has never connected a device; whichever device
// connects first drains it.
type User struct {
	Username    string       `json:"username" bson:"username"`
	Email       string       `json:"email,omitempty" bson:"email,omitempty"`
	Browsers    []Browser    `json:"browsers,omitempty" bson:"browsers,omitempty"`
	Hangouts    []Hangout    `json:"hangouts,omitempty" bson:"hangouts,omitempty"`
	Undelivered []QueueEntry `json:"undelivered,omitempty" bson:"undelivered,omitempty"`
	CreatedAt   int64        `json:"createdAt" bson:"createdAt"`
}

// HangoutWith returns the stored hangout toward the given counterpart.
func (u *User) HangoutWith(username string) (Hangout, bool) {
	for _, h := range u.Hangouts {
		if h.Username == username {
			return h, true
		}
	}
	return Hangout{}, false
}

// Browser returns the device record with the given ID.
func (u *User) Browser(browserID string) (Browser, bool) {
	for _, b := range u.Browsers {
		if b.BrowserID == browserID {
			return b, true
		}
	}
	return Browser{}, false
}
