package transport

// WebSocket 帧操作
const (
	opRequest     = "request"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"

	opReply      = "reply"
	opSubscribed = "subscribed"
	opDeliver    = "deliver"
	opClosed     = "closed"
	opError      = "error"
)

// frame Hub 与 WSConn 之间的 JSON 文本帧
// 示例：{"op":"request","id":"01J...","queue":"gridsync.rpc","body":"eyJ2IjoxLC4uLn0="}
type frame struct {
	Op       string `json:"op"`
	ID       string `json:"id,omitempty"`
	Queue    string `json:"queue,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Body     []byte `json:"body,omitempty"`
	Error    string `json:"error,omitempty"`
}
