package client

// LinkStatus is the state of the GATT link to one acceptor
type LinkStatus int

const (
	// Disconnected indicates the acceptor was never attached or was detached
	Disconnected LinkStatus = iota
	// Connected indicates control operations can be written to the acceptor
	Connected
)

func (s LinkStatus) String() string {
	return []string{"Disconnected", "Connected"}[s]
}
