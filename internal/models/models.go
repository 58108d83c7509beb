package models

import "time"

// Coord is a WGS-84 latitude/longitude pair in degrees.
type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type RequestStatus string

const (
	RequestWaiting   RequestStatus = "waiting"
	RequestMatched   RequestStatus = "matched"
	RequestExpired   RequestStatus = "expired"
	RequestCancelled RequestStatus = "cancelled"
	RequestCompleted RequestStatus = "completed"
)

type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchActive    MatchStatus = "active"
	MatchCompleted MatchStatus = "completed"
	MatchCancelled MatchStatus = "cancelled"
)

// DefaultRequestTTL is how long a request stays waiting before the sweeper
// may expire it.
const DefaultRequestTTL = 10 * time.Minute

// WalkRequest is one user's request to be escorted from Start to Dest.
type WalkRequest struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Start       Coord         `json:"start"`
	Dest        Coord         `json:"dest"`
	Status      RequestStatus `json:"status"`
	MatchedWith string        `json:"matched_with,omitempty"` // partner user id
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

// Lapsed reports whether the request's deadline is at or before now.
func (r *WalkRequest) Lapsed(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

type Profile struct {
	UserID     string `json:"user_id"`
	TrustScore int    `json:"trust_score"` // 0..100
	IsBanned   bool   `json:"is_banned"`
}

// Match pairs two waiting requests. Request1/Request2 ordering carries no meaning.
type Match struct {
	ID         string      `json:"id"`
	Request1ID string      `json:"request_1_id"`
	Request2ID string      `json:"request_2_id"`
	User1ID    string      `json:"user_1_id"`
	User2ID    string      `json:"user_2_id"`
	Meetup     Coord       `json:"meetup"`
	Status     MatchStatus `json:"status"`
	Confirmed1 bool        `json:"confirmed_1"`
	Confirmed2 bool        `json:"confirmed_2"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// HasUser reports whether userID is one of the two parties.
func (m *Match) HasUser(userID string) bool {
	return userID != "" && (m.User1ID == userID || m.User2ID == userID)
}

// Partner returns the other party's user id, or "" if userID is not a party.
func (m *Match) Partner(userID string) string {
	switch userID {
	case m.User1ID:
		return m.User2ID
	case m.User2ID:
		return m.User1ID
	}
	return ""
}

// MatchResult is the outcome of one matcher invocation. Matched=false with a
// nil error means "no match yet".
type MatchResult struct {
	Matched bool         `json:"matched"`
	Match   *Match       `json:"match,omitempty"`
	Partner *WalkRequest `json:"partner,omitempty"`
}

// MatchEvent is published after a successful pairing.
type MatchEvent struct {
	MatchID    string    `json:"match_id"`
	Request1ID string    `json:"request_1_id"`
	Request2ID string    `json:"request_2_id"`
	User1ID    string    `json:"user_1_id"`
	User2ID    string    `json:"user_2_id"`
	Meetup     Coord     `json:"meetup"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskPublished TaskStatus = "published"
	TaskFailed    TaskStatus = "failed"
)

// AnalysisTask is a unit of asynchronous downstream analysis, e.g. a report
// that should be reviewed.
type AnalysisTask struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	SubjectID   string         `json:"subject_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      TaskStatus     `json:"status"`
	Error       string         `json:"error,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}
