package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DecodeError 訊框外層格式錯誤，呼叫端應直接丟棄該訊框
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "protocol: decode: " + e.Reason
}

var numberPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// Encode 將訊息序列化為單一自我界定的訊框
//
// "type" 永遠在最前面，其餘欄位依名稱排序，所有值都以雙引號包住。
// 值結尾的反斜線會加倍，避免吃掉收尾的引號；值中間的內容原樣輸出。
func Encode(m Message) []byte {
	var sb strings.Builder
	sb.Grow(16 + 16*len(m.Fields))
	sb.WriteString(`{"type":"`)
	sb.WriteString(m.Type)
	sb.WriteByte('"')

	for _, k := range m.Keys() {
		sb.WriteString(`,"`)
		sb.WriteString(k)
		sb.WriteString(`":"`)
		sb.WriteString(escapeTrailing(m.String(k)))
		sb.WriteByte('"')
	}

	sb.WriteByte('}')
	return []byte(sb.String())
}

// Decode 解析單一訊框
//
// 外層嚴格：空輸入、沒有大括號、缺少 type 都回傳 *DecodeError。
// 欄位寬鬆：無法解析的欄位直接略過，不會造成失敗。
func Decode(data []byte) (Message, error) {
	s := strings.TrimSpace(string(data))
	if s == "" {
		return Message{}, &DecodeError{Reason: "empty frame"}
	}
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return Message{}, &DecodeError{Reason: "frame is not wrapped in braces"}
	}

	fields := make(map[string]any)
	for _, field := range splitFields(s[1 : len(s)-1]) {
		colon := indexOutsideQuotes(field, ':')
		if colon <= 0 {
			continue
		}
		key := unquote(strings.TrimSpace(field[:colon]))
		if key == "" {
			continue
		}
		fields[key] = parseValue(strings.TrimSpace(field[colon+1:]))
	}

	kind, ok := fields[FieldType].(string)
	if !ok || kind == "" {
		return Message{}, &DecodeError{Reason: "missing type field"}
	}
	delete(fields, FieldType)

	return Message{Type: kind, Fields: fields}, nil
}

// MustDecode 測試與常數訊框使用
func MustDecode(s string) Message {
	m, err := Decode([]byte(s))
	if err != nil {
		panic(fmt.Sprintf("protocol: MustDecode(%q): %v", s, err))
	}
	return m
}

// splitFields 以引號外的逗號切開欄位
func splitFields(body string) []string {
	var (
		fields   []string
		start    int
		inQuotes bool
	)
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '"':
			if !escaped(body, i) {
				inQuotes = !inQuotes
			}
		case ',':
			if !inQuotes {
				if f := strings.TrimSpace(body[start:i]); f != "" {
					fields = append(fields, f)
				}
				start = i + 1
			}
		}
	}
	if f := strings.TrimSpace(body[start:]); f != "" {
		fields = append(fields, f)
	}
	return fields
}

func indexOutsideQuotes(s string, sep byte) int {
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '"' && !escaped(s, i):
			inQuotes = !inQuotes
		case s[i] == sep && !inQuotes:
			return i
		}
	}
	return -1
}

// trailingBackslashes 結尾連續反斜線的數量
func trailingBackslashes(s string) int {
	n := 0
	for n < len(s) && s[len(s)-1-n] == '\\' {
		n++
	}
	return n
}

func escapeTrailing(s string) string {
	n := trailingBackslashes(s)
	if n == 0 {
		return s
	}
	return s + strings.Repeat(`\`, n)
}

// unescapeTrailing 還原 escapeTrailing；奇數個代表對端沒有跳脫，原樣保留
func unescapeTrailing(s string) string {
	n := trailingBackslashes(s)
	if n == 0 || n%2 == 1 {
		return s
	}
	return s[:len(s)-n/2]
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// parseValue 依字面推斷型別：引號字串、true/false、整數、浮點數，其餘保留原字串
func parseValue(token string) any {
	if len(token) >= 2 && token[0] == '"' && token[len(token)-1] == '"' {
		return unescapeTrailing(token[1 : len(token)-1])
	}
	switch token {
	case "true":
		return true
	case "false":
		return false
	}
	if numberPattern.MatchString(token) {
		if strings.Contains(token, ".") {
			if f, err := strconv.ParseFloat(token, 64); err == nil {
				return f
			}
		} else if n, err := strconv.Atoi(token); err == nil {
			return n
		}
	}
	return token
}
