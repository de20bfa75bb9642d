package daemon

// Kind classifies fatal daemon errors.
type Kind int

const (
	// KindInvalidState means an operation was attempted in a state the
	// transition rules should make unreachable.
	KindInvalidState Kind = iota + 1
	KindTunnel
	KindManagementInterface
)

func (k Kind) String() string {
	switch k {
	case KindInvalidState:
		return "daemon is in an invalid state for the requested operation"
	case KindTunnel:
		return "tunnel monitor error"
	case KindManagementInterface:
		return "management interface error"
	default:
		return "daemon error"
	}
}

// Error is returned by the daemon for every fatal condition. Err, when set,
// is the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels below, so errors.Is(err, ErrTunnel) works
// regardless of message and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrTunnel              = &Error{Kind: KindTunnel}
	ErrManagementInterface = &Error{Kind: KindManagementInterface}
)
