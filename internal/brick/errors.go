package brick

import "errors"

var (
	// ErrDiscoveryTimeout means no acceptable presence broadcast arrived in time.
	ErrDiscoveryTimeout = errors.New("brick: discovery timed out")
	// ErrDiscoveryMalformed means broadcasts arrived but none carried a
	// usable serial number.
	ErrDiscoveryMalformed = errors.New("brick: malformed discovery broadcast")
	// ErrConnectFailed wraps any TCP dial or handshake failure.
	ErrConnectFailed = errors.New("brick: connect failed")
	// ErrTransportFault marks a session that lost its transport mid-flight.
	ErrTransportFault = errors.New("brick: transport fault")
	// ErrSendQueueFull is returned instead of blocking when the writer lags.
	ErrSendQueueFull = errors.New("brick: send queue full")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("brick: session closed")
)
