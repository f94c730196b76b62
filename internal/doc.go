// Package internal 實現群組聊天伺服器
//
// 組成：
//
//	Server     事件迴圈（connection.go、server.go、dispatch.go），單一 goroutine 擁有所有狀態
//	Registry   房間目錄與成員關係（room.go、registry.go）
//	Gateway    WebSocket 入口，與 TCP 共用同一個迴圈（websocket.go）
//	Handler    /health、/stats、/ws（handler.go）
//	Config     YAML 配置（config.go）
//
// 線路格式見 pkg/protocol，客戶端見 internal/client，憑證儲存見 internal/auth。
package internal
