// Package cipher 实现 TP-Link Smart Home 协议的 XOR 自动密钥流加密与长度前缀帧。
//
// 帧格式：
//
//	[4B] 明文长度（大端）
//	[NB] 密文
//
// 每次加解密都从 InitialKey 重新开始，密钥状态只存在于单次调用内。
package cipher

import "encoding/binary"

const (
	InitialKey byte = 171
	HeaderLen       = 4
	// 解密整段响应后需丢弃的字节数：4 字节长度前缀 + 1 个因密钥错位而损坏的 '{'
	ResponseSkip = 5
)

// Encrypt 对明文做 XOR 自动密钥加密（不带长度前缀）。
// 每个输出字节（密文）成为下一个字节的密钥。
func Encrypt(plain []byte) []byte {
	out := make([]byte, len(plain))
	key := InitialKey
	for i, b := range plain {
		c := key ^ b
		out[i] = c
		key = c
	}
	return out
}

// Decrypt 是 Encrypt 的逆运算：已知的密文字节成为下一个字节的密钥。
func Decrypt(cipherText []byte) []byte {
	out := make([]byte, len(cipherText))
	key := InitialKey
	for i, c := range cipherText {
		out[i] = key ^ c
		key = c
	}
	return out
}

// Encode 生成完整请求帧：4 字节大端明文长度 + 密文。
// 参数：
// - plain: 明文 JSON
// 返回：
// - []byte: 可直接写入连接的帧
func Encode(plain []byte) []byte {
	buf := make([]byte, HeaderLen+len(plain))
	binary.BigEndian.PutUint32(buf[:HeaderLen], uint32(len(plain)))
	key := InitialKey
	for i, b := range plain {
		c := key ^ b
		buf[HeaderLen+i] = c
		key = c
	}
	return buf
}

// Decode 解密收到的字节（不剥离长度前缀）。
// 调用方需按 ResponseSkip 规则自行丢弃前缀产生的垃圾字节。
func Decode(received []byte) []byte { return Decrypt(received) }

// FrameLen 返回缓冲区头部声明的载荷长度。
// 返回：
// - int: 声明长度
// - bool: 缓冲区不足 4 字节时为 false
func FrameLen(buf []byte) (int, bool) {
	if len(buf) < HeaderLen {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(buf[:HeaderLen])), true
}

// Complete 判断缓冲区是否已经包含一个完整帧（前缀 + 声明长度的密文）。
func Complete(buf []byte) bool {
	n, ok := FrameLen(buf)
	if !ok {
		return false
	}
	return len(buf) >= HeaderLen+n
}
