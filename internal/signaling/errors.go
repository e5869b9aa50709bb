package signaling

// Error codes per spec §6: 1xxx connection/authentication, 2xxx channel,
// 3xxx messaging, 9xxx internal. 1001 is reserved for an invalid token.
const (
	ErrCodeInvalidToken      = 1001
	ErrCodeAlreadyIdentified = 1002
	ErrCodeNotIdentified     = 1003

	ErrCodeChannelNotFound = 2001
	ErrCodeChannelExists   = 2002
	ErrCodeChannelFull     = 2003
	ErrCodeNotMember       = 2004
	ErrCodeAlreadyMember   = 2005
	ErrCodeInvalidSDPOffer = 2006

	ErrCodeInvalidPayload = 3001

	ErrCodeInternal = 9000
)
