package lnaddr

// PayResponse is the LNURL-pay discovery document.
type PayResponse struct {
	Status string `json:"status"`

	// Callback is the URL from LN SERVICE which will accept the pay request
	// parameters
	Callback string `json:"callback"`

	// Type of LNURL
	Tag Type `json:"tag"`

	// MaxSendable is the max amount LN SERVICE is willing to receive
	MaxSendable int64 `json:"maxSendable"`

	// MinSendable is the min amount LN SERVICE is willing to receive, can
	// not be less than 1 or more than `maxSendable`
	MinSendable int64 `json:"minSendable"`

	// Metadata json which must be presented as raw string here, this is
	// required to pass signature verification at a later step.
	Metadata string `json:"metadata"`

	CommentsAllowed int `json:"commentsAllowed"`

	// AllowsNostr and NostrPubkey advertise zap support and the key zap
	// receipts will be signed with.
	AllowsNostr bool   `json:"allowsNostr,omitempty"`
	NostrPubkey string `json:"nostrPubkey,omitempty"`
}

// InvoiceResponse is returned by the callback.
type InvoiceResponse struct {
	Status string `json:"status"`

	SuccessAction *SuccessAction `json:"successAction,omitempty"`

	// Routes an empty array.
	Routes []string `json:"routes"`

	// PayRequest is a bech32-serialized lightning invoice.
	PayRequest string `json:"pr"`

	Disposable bool `json:"disposable"`
}

// SuccessAction is shown by the wallet once the payment succeeds.
type SuccessAction struct {
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

type Type string

const (
	TypePayRequest Type = "payRequest"

	StatusOK    = "OK"
	StatusError = "ERROR"
)

type Error struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}
