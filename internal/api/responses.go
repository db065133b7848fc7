package api

import (
	"encoding/json"
	"net/http"
)

// envelope 记忆服务的统一响应信封。
// code 与 HTTP 状态码一致；成功时 message 固定为 "ok"，
// 失败时 message 携带错误描述、data 省略。
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&envelope{Code: status, Message: "ok", Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&envelope{Code: status, Message: message})
}
