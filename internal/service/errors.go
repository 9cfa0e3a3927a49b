package service

import "errors"

// 业务层通用错误，handler 按错误类型映射 HTTP 状态码。
// 幂等操作（deleteForSelf、markRead）重复调用不报错。
var (
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotFound           = errors.New("not found")
	ErrNotAParticipant    = errors.New("not a participant")
	ErrForbidden          = errors.New("forbidden")
	ErrGone               = errors.New("message deleted for everyone")
)
