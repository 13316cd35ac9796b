// Package types 定義了 middlewared 系統中使用的核心領域模型與線路訊息
package types

import (
	"time"
)

// JobState 任務狀態
type JobState string

// 定義任務狀態常數
const (
	StateWaiting JobState = "WAITING" // 等待狀態：任務已提交但尚未取得執行權
	StateRunning JobState = "RUNNING" // 執行中狀態：任務方法正在執行
	StateSuccess JobState = "SUCCESS" // 成功狀態：任務方法正常返回（終止狀態）
	StateFailed  JobState = "FAILED"  // 失敗狀態：任務方法返回錯誤或 panic（終止狀態）
)

// Terminal 回報狀態是否為終止狀態
func (s JobState) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// Progress 任務自行回報的進度
type Progress struct {
	Percent     *int   `json:"percent" msgpack:"percent"`         // 0-100，未回報時為 nil
	Description string `json:"description" msgpack:"description"` // 進度描述
}

// JobSnapshot 任務的唯讀快照，供狀態查詢與匯出使用
type JobSnapshot struct {
	ID           int64      `json:"id" msgpack:"id"`
	Method       string     `json:"method,omitempty" msgpack:"method,omitempty"`
	State        JobState   `json:"state" msgpack:"state"`
	Progress     Progress   `json:"progress" msgpack:"progress"`
	Result       any        `json:"result" msgpack:"result"`
	Error        string     `json:"error,omitempty" msgpack:"error,omitempty"`
	Stacktrace   string     `json:"stacktrace,omitempty" msgpack:"stacktrace,omitempty"` // 方法本體 panic 時的堆疊
	TimeStarted  time.Time  `json:"time_started" msgpack:"time_started"`
	TimeFinished *time.Time `json:"time_finished" msgpack:"time_finished"`
}

// HistoryExport 任務歷史匯出檔格式
type HistoryExport struct {
	Jobs       []JobSnapshot `json:"jobs"`
	SchemaVer  int           `json:"schema_ver"`
	ExportedAt time.Time     `json:"exported_at"`
}

// ============================================================================
// Session protocol messages
// ============================================================================

// Message kinds exchanged over a session.
const (
	MsgConnect   = "connect"
	MsgConnected = "connected"
	MsgFailed    = "failed"
	MsgMethod    = "method"
	MsgResult    = "result"
	MsgPing      = "ping"
	MsgPong      = "pong"
)

// ProtocolVersion is the only handshake version the daemon accepts.
const ProtocolVersion = "1"

// Request is an inbound, already decoded client message.
type Request struct {
	Msg     string `json:"msg" msgpack:"msg"`
	ID      any    `json:"id,omitempty" msgpack:"id,omitempty"`
	Version string `json:"version,omitempty" msgpack:"version,omitempty"`
	Method  string `json:"method,omitempty" msgpack:"method,omitempty"`
	Params  []any  `json:"params,omitempty" msgpack:"params,omitempty"`
}

// Reply is an outbound message. Keys are kept verbatim so that a nil
// result still serializes as "result": null.
type Reply map[string]any

// ErrorDetail is the error member of a failed method result.
type ErrorDetail struct {
	Error      string `json:"error" msgpack:"error"`
	Stacktrace string `json:"stacktrace,omitempty" msgpack:"stacktrace,omitempty"`
}

// ConnectedReply answers a successful handshake.
func ConnectedReply(sessionID string) Reply {
	return Reply{"msg": MsgConnected, "session": sessionID}
}

// FailedReply answers a rejected handshake or a message sent before it.
func FailedReply() Reply {
	return Reply{"msg": MsgFailed, "version": ProtocolVersion}
}

// ResultReply carries a method's return value (or a job id).
func ResultReply(id any, result any) Reply {
	return Reply{"msg": MsgResult, "id": id, "result": result}
}

// ErrorReply carries a method failure.
func ErrorReply(id any, message, stacktrace string) Reply {
	return Reply{
		"msg": MsgResult,
		"id":  id,
		"error": ErrorDetail{
			Error:      message,
			Stacktrace: stacktrace,
		},
	}
}

// PongReply answers a keepalive ping.
func PongReply(id any) Reply {
	r := Reply{"msg": MsgPong}
	if id != nil {
		r["id"] = id
	}
	return r
}
