package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FieldNameModule   = "module"
	FieldNameConnID   = "connID"
	FieldNameNickname = "nickname"
	FieldNameRemote   = "remote"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldConnID 返回一个包含连接标识的 zap 字段。
func FieldConnID(id uint64) zap.Field {
	return zap.Uint64(FieldNameConnID, id)
}

// FieldNickname 返回一个包含用户昵称的 zap 字段。
func FieldNickname(nickname string) zap.Field {
	return zap.String(FieldNameNickname, nickname)
}

// FieldRemote 返回一个包含对端地址的 zap 字段。
func FieldRemote(addr string) zap.Field {
	return zap.String(FieldNameRemote, addr)
}

// FieldMessage 返回一个包含消息对象的 zap 字段。
func FieldMessage(msg zapcore.ObjectMarshaler) zap.Field {
	return zap.Object("message", msg)
}
