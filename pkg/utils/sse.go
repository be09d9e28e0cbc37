package utils

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// SSEKeepAlive 是空闲连接上注释帧的发送间隔
const SSEKeepAlive = 15 * time.Second

// SetupSSEHeaders 设置Server-Sent Events响应头
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

// StartSSE 校验是否支持流式输出并写入响应头
func StartSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

// SendSSEEvent 发送带事件类型的SSE消息
func SendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("failed to marshal sse event data: %v", err)
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// SendSSEComment 发送保活注释帧
func SendSSEComment(w http.ResponseWriter, flusher http.Flusher) error {
	if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
