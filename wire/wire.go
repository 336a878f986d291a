// Package wire implements the framing layer of the PostgreSQL protocol
// version 3.0. It reads tagged backend messages from a byte stream and
// builds frontend messages in the append style used throughout the rest
// of the library.
//
// A backend message is a 1-byte ASCII type tag followed by a 4-byte
// big-endian length that includes itself but not the tag. The startup
// packet and the SSL request are the only untagged frontend messages.
package wire

// ProtocolVersionNumber is the only protocol version this package speaks.
const ProtocolVersionNumber = 196608 // 3.0

// sslRequestNumber is the magic code of the SSLRequest packet.
const sslRequestNumber = 80877103

// Backend message type tags.
const (
	AuthenticationTag       = 'R'
	BackendKeyDataTag       = 'K'
	BindCompleteTag         = '2'
	CloseCompleteTag        = '3'
	CommandCompleteTag      = 'C'
	DataRowTag              = 'D'
	EmptyQueryResponseTag   = 'I'
	ErrorResponseTag        = 'E'
	NoDataTag               = 'n'
	NoticeResponseTag       = 'N'
	ParameterDescriptionTag = 't'
	ParameterStatusTag      = 'S'
	ParseCompleteTag        = '1'
	PortalSuspendedTag      = 's'
	ReadyForQueryTag        = 'Z'
	RowDescriptionTag       = 'T'
)

// Frontend message type tags.
const (
	BindTag            = 'B'
	DescribeTag        = 'D'
	ExecuteTag         = 'E'
	ParseTag           = 'P'
	PasswordMessageTag = 'p'
	QueryTag           = 'Q'
	SyncTag            = 'S'
	TerminateTag       = 'X'
)

// Authentication request codes carried in the first int32 of an
// Authentication ('R') message body.
const (
	AuthTypeOk                = 0
	AuthTypeCleartextPassword = 3
	AuthTypeMD5Password       = 5
	AuthTypeSCMCreds          = 6
	AuthTypeGSS               = 7
	AuthTypeGSSCont           = 8
	AuthTypeSSPI              = 9
	AuthTypeSASL              = 10
	AuthTypeSASLContinue      = 11
	AuthTypeSASLFinal         = 12
)

// Format codes used in Bind and RowDescription.
const (
	TextFormat   = 0
	BinaryFormat = 1
)
