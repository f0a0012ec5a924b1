package errs

// 通用错误码
const (
	ServerInternalError = 500
	ArgsError           = 1001

	AuthenticationFailure = 1101
	TokenExpired          = 1102
	IdentityMismatch      = 1103

	InvalidMessage = 1201
	NotAMember     = 1202

	PersistenceFailure       = 1301
	DeliveryGatewayFailure   = 1401
	PresenceBroadcastFailure = 1501
)

var (
	ErrInternal = NewCodeError(ServerInternalError, "ServerInternalError")
	ErrArgs     = NewCodeError(ArgsError, "ArgsError")

	ErrAuthentication   = NewCodeError(AuthenticationFailure, "AuthenticationFailure")
	ErrTokenExpired     = NewCodeError(TokenExpired, "TokenExpired")
	ErrIdentityMismatch = NewCodeError(IdentityMismatch, "IdentityMismatch")

	ErrInvalidMessage = NewCodeError(InvalidMessage, "InvalidMessage")
	ErrNotAMember     = NewCodeError(NotAMember, "NotAMember")

	ErrPersistence       = NewCodeError(PersistenceFailure, "PersistenceFailure")
	ErrDeliveryGateway   = NewCodeError(DeliveryGatewayFailure, "DeliveryGatewayFailure")
	ErrPresenceBroadcast = NewCodeError(PresenceBroadcastFailure, "PresenceBroadcastFailure")
)

func init() {
	// token 过期/身份不符 都归属认证失败
	_ = DefaultCodeRelation.Add(AuthenticationFailure, TokenExpired)
	_ = DefaultCodeRelation.Add(AuthenticationFailure, IdentityMismatch)
}
