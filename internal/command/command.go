package command

// Type discriminator for commands
type Type int32

const (
	TypeUnknown Type = iota
	TypeDeposit
	TypeDepositWithoutTransfer
	TypeRedeem
	TypeCompleteRedemption
	TypeSlash
	TypeTrigger
	TypePause
	TypeUnpause
	TypeClaimFees
	TypeDripFees
	TypeUpdateConfigs
	TypeFinalizeConfigs
)

var typeNames = map[Type]string{
	TypeDeposit:                "Deposit",
	TypeDepositWithoutTransfer: "DepositWithoutTransfer",
	TypeRedeem:                 "Redeem",
	TypeCompleteRedemption:     "CompleteRedemption",
	TypeSlash:                  "Slash",
	TypeTrigger:                "Trigger",
	TypePause:                  "Pause",
	TypeUnpause:                "Unpause",
	TypeClaimFees:              "ClaimFees",
	TypeDripFees:               "DripFees",
	TypeUpdateConfigs:          "UpdateConfigs",
	TypeFinalizeConfigs:        "FinalizeConfigs",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "Unknown"
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, bool) {
	for t, name := range typeNames {
		if name == s {
			return t, true
		}
	}
	return TypeUnknown, false
}

// Command is the interface all inbound commands implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() Type

	// ReservePool returns the pool context (nil for module-wide commands)
	ReservePool() *uint16

	// Source names the upstream producer; sequences are checked per source
	Source() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Time is the command's unix timestamp in seconds. The processor runs
	// the module clock from it, never from wall time.
	Time() uint64
}

// Header carries the fields every command shares.
type Header struct {
	Key       string
	Producer  string
	Sequence  int64
	Timestamp uint64
}

func (h Header) IdempotencyKey() string { return h.Key }
func (h Header) Source() string         { return h.Producer }
func (h Header) SourceSequence() int64  { return h.Sequence }
func (h Header) Time() uint64           { return h.Timestamp }
