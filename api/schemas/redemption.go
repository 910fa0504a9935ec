package schemas

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// -- Redemption Outcome Schemas --

// ErrorKind is the closed set of failure classes a redemption attempt can resolve to.
// The zero value means the attempt succeeded.
type ErrorKind string

const (
	ErrorNone           ErrorKind = ""
	ErrorInvalidID      ErrorKind = "invalid_id"
	ErrorPINExpired     ErrorKind = "pin_expired"
	ErrorPINAlreadyUsed ErrorKind = "pin_already_used"
	ErrorPageError      ErrorKind = "page_error"
	ErrorTimeout        ErrorKind = "timeout"
	ErrorUnknown        ErrorKind = "unknown"
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	return string(k)
}

// Outcome is the terminal result of one redemption attempt.
//
// ReturnPIN tells the caller whether the PIN may be handed back to inventory. It is only
// true when the attempt failed before the merchant could have consumed the voucher.
type Outcome struct {
	Success      bool       `json:"success"`
	PIN          string     `json:"pin"`
	ErrorKind    ErrorKind  `json:"error"`
	ErrorMessage string     `json:"error_message"`
	ProductName  string     `json:"product_name"`
	Nickname     string     `json:"nickname"`
	Diamonds     int        `json:"diamonds"`
	ReturnPIN    bool       `json:"return_pin"`
	RedeemedAt   *time.Time `json:"redeemed_at,omitempty"`
	DurationMs   int64      `json:"redeem_duration_ms"`
}

// Failed builds a failed outcome for the given PIN.
func Failed(pin string, kind ErrorKind, message string, returnPIN bool) Outcome {
	return Outcome{
		PIN:          pin,
		ErrorKind:    kind,
		ErrorMessage: message,
		ReturnPIN:    returnPIN,
	}
}

// PoolStats is a point-in-time view of the session pool.
type PoolStats struct {
	Idle     int `json:"idle_sessions"`
	Leased   int `json:"leased_sessions"`
	Capacity int `json:"total_capacity"`
	Hosts    int `json:"hosts"`
}

// -- Redemption Task Schemas --

// TaskStatus tracks a redemption request through the task layer.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskSuccess    TaskStatus = "success"
	TaskFailed     TaskStatus = "failed"
)

// String implements fmt.Stringer.
func (s TaskStatus) String() string {
	return string(s)
}

// RedeemRequest is the inbound request to redeem one PIN.
type RedeemRequest struct {
	PIN           string `json:"pin"`
	GameAccountID string `json:"game_account_id"`
	OrderID       string `json:"order_id,omitempty"`
	// WebhookURL overrides the configured webhook for this request only.
	WebhookURL string `json:"webhook_url,omitempty"`
}

// Task is the stored and reported state of a redemption request. Every field is always
// present on the wire; RedeemedAt is an RFC 3339 string, or "" until the PIN is redeemed.
type Task struct {
	TaskID        string     `json:"task_id"`
	Status        TaskStatus `json:"status"`
	PIN           string     `json:"pin"`
	GameAccountID string     `json:"game_account_id"`
	OrderID       string     `json:"order_id"`
	Nickname      string     `json:"nickname"`
	ProductName   string     `json:"product_name"`
	Diamonds      int        `json:"diamonds"`
	RedeemedAt    *time.Time `json:"redeemed_at"`
	ErrorKind     ErrorKind  `json:"error"`
	ErrorMessage  string     `json:"error_message"`
	ReturnPIN     bool       `json:"return_pin"`
	DurationMs    int64      `json:"redeem_duration_ms"`
	WebhookURL    string     `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type taskAlias Task

type taskWire struct {
	*taskAlias
	RedeemedAt string `json:"redeemed_at"`
}

// MarshalJSON implements json.Marshaler.
func (t Task) MarshalJSON() ([]byte, error) {
	w := taskWire{taskAlias: (*taskAlias)(&t)}
	if t.RedeemedAt != nil {
		w.RedeemedAt = t.RedeemedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Task) UnmarshalJSON(data []byte) error {
	w := taskWire{taskAlias: (*taskAlias)(t)}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t.RedeemedAt = nil
	if w.RedeemedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.RedeemedAt)
		if err != nil {
			return fmt.Errorf("invalid redeemed_at: %w", err)
		}
		t.RedeemedAt = &ts
	}
	return nil
}

// NewTask creates a queued task for the request.
func NewTask(id string, req RedeemRequest, now time.Time) *Task {
	return &Task{
		TaskID:        id,
		Status:        TaskQueued,
		PIN:           req.PIN,
		GameAccountID: req.GameAccountID,
		OrderID:       req.OrderID,
		WebhookURL:    req.WebhookURL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Apply copies a finished outcome onto the task and sets its terminal status.
func (t *Task) Apply(o Outcome, now time.Time) {
	if o.Success {
		t.Status = TaskSuccess
	} else {
		t.Status = TaskFailed
	}
	t.Nickname = o.Nickname
	t.ProductName = o.ProductName
	t.Diamonds = o.Diamonds
	t.RedeemedAt = o.RedeemedAt
	t.ErrorKind = o.ErrorKind
	t.ErrorMessage = o.ErrorMessage
	t.ReturnPIN = o.ReturnPIN
	t.DurationMs = o.DurationMs
	t.UpdatedAt = now
}

// Finished reports whether the task reached a terminal status.
func (t *Task) Finished() bool {
	return t.Status == TaskSuccess || t.Status == TaskFailed
}

// Health is the service health report.
type Health struct {
	Status        string `json:"status"`
	QueueSize     int    `json:"queue_size"`
	ActiveTasks   int    `json:"active_tasks"`
	MaxConcurrent int    `json:"max_concurrent"`
	IdleSessions  int    `json:"idle_sessions"`
	TotalCapacity int    `json:"total_capacity"`
}
