package identity

// Kind tags a Classification.
type Kind int

const (
	KindKnown Kind = iota + 1
	KindUncertain
	KindNewlyRegistered
	KindPending
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindKnown:
		return "known"
	case KindUncertain:
		return "uncertain"
	case KindNewlyRegistered:
		return "new"
	case KindPending:
		return "pending"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Pending reasons.
const (
	ReasonCooldown  = "cooldown"
	ReasonAnalyzing = "analyzing"
	ReasonUnstable  = "unstable"
)

// Classification is the per-detection result of Resolver.Resolve. The set of
// implementations is closed: Known, Uncertain, NewlyRegistered, Pending, Failure.
type Classification interface {
	Kind() Kind
	sealed()
}

// Known is a match closer than the confident threshold.
type Known struct {
	Label    string
	Distance float64
}

// Uncertain is a match between the confident and reject thresholds. It is
// never re-registered.
type Uncertain struct {
	Label    string
	Distance float64
}

// NewlyRegistered means a new identity was created for this detection.
type NewlyRegistered struct {
	Label string
}

// Pending is an unknown face whose registration is suppressed or still
// being analysed.
type Pending struct {
	Reason   string
	Distance float64
}

// Failure means the detection could not be classified.
type Failure struct {
	Err error
}

func (Known) Kind() Kind           { return KindKnown }
func (Uncertain) Kind() Kind       { return KindUncertain }
func (NewlyRegistered) Kind() Kind { return KindNewlyRegistered }
func (Pending) Kind() Kind         { return KindPending }
func (Failure) Kind() Kind         { return KindError }

func (Known) sealed()           {}
func (Uncertain) sealed()       {}
func (NewlyRegistered) sealed() {}
func (Pending) sealed()         {}
func (Failure) sealed()         {}

// LabelOf returns the identity label carried by c, if any.
func LabelOf(c Classification) (string, bool) {
	switch v := c.(type) {
	case Known:
		return v.Label, true
	case Uncertain:
		return v.Label, true
	case NewlyRegistered:
		return v.Label, true
	default:
		return "", false
	}
}

// Display renders c the way the video overlay labels a face box.
func Display(c Classification) string {
	switch v := c.(type) {
	case Known:
		return v.Label
	case Uncertain:
		return v.Label + " (?)"
	case NewlyRegistered:
		return v.Label
	case Pending:
		return "Unknown (processing...)"
	default:
		return "Error"
	}
}
