package protocol

// 分框
//
// 協議沒有長度前綴，一次 read 可能只拿到半個訊框，也可能拿到好幾個。
// 這裡以引號感知的大括號配對找出完整的 {...}，訊框之間的位元組（換行、雜訊）一律忽略。

// SplitFrames 從緩衝區取出所有完整訊框，rest 為尚未完整的尾段（需等待更多資料）
//
// 回傳的 frames 與 rest 都指向 buf 的底層陣列，呼叫端若要保留需自行複製。
func SplitFrames(buf []byte) (frames [][]byte, rest []byte) {
	for {
		start, end, partial := nextFrame(buf)
		if start < 0 {
			if partial < 0 {
				return frames, nil
			}
			return frames, buf[partial:]
		}
		frames = append(frames, buf[start:end])
		buf = buf[end:]
	}
}

// ScanFrames 是 bufio.SplitFunc，讓 bufio.Scanner 一次回傳一個訊框
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start, end, partial := nextFrame(data)
	switch {
	case start >= 0:
		return end, data[start:end], nil
	case atEOF:
		return len(data), nil, nil
	case partial < 0:
		return len(data), nil, nil
	default:
		return partial, nil, nil
	}
}

// nextFrame 回傳第一個完整訊框的 [start, end)；若沒有完整訊框，partial 為未完成訊框的起點
func nextFrame(b []byte) (start, end, partial int) {
	depth := 0
	inQuotes := false
	start = -1
	for i := 0; i < len(b); i++ {
		c := b[i]
		if inQuotes {
			if c == '"' && !escaped(b, i) {
				inQuotes = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inQuotes = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				return start, i + 1, -1
			}
		}
	}
	if depth > 0 {
		return -1, -1, start
	}
	return -1, -1, -1
}

// escaped 判斷 s[i] 是否被跳脫：前面緊接奇數個反斜線才算
func escaped[T ~string | ~[]byte](s T, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && s[j] == '\\'; j-- {
		n++
	}
	return n%2 == 1
}
