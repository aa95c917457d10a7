// Package service 提供业务逻辑层的实现
// 服务层封装具体的业务逻辑，协调 Repository、Cache 和信令中继
package service

import "errors"

// 会话与审批相关的业务错误
// handler 层用 errors.Is 把它们映射成业务状态码
var (
	ErrNotFound            = errors.New("记录不存在")
	ErrConflict            = errors.New("会话码已被占用")
	ErrAlreadyPending      = errors.New("已有待处理的请求")
	ErrAlreadyConnected    = errors.New("会话已有技术员接入")
	ErrInvalidTransition   = errors.New("非法的状态迁移")
	ErrStaleDecision       = errors.New("审批决定已失效")
	ErrExpired             = errors.New("已过期")
	ErrSessionNotConnected = errors.New("会话未处于连接状态")
	ErrNoPermission        = errors.New("无权限操作")
	ErrInvalidArgument     = errors.New("参数不合法")
)
