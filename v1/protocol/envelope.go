package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	v1errors "plug-x/v1/errors"
)

// ChildID 生成排插子插座的复合标识：deviceId + 两位补零的插座序号。
func ChildID(deviceID string, outlet int) string {
	return fmt.Sprintf("%s%02d", deviceID, outlet)
}

// WrapContext 把 context.child_ids 注入到命令体中，用于定位排插上的单个插座。
// 做法：用 {"context":{"child_ids":["<id>"]}, 替换原命令体开头的 '{'。
// 参数：
// - body: 单个 JSON 对象形式的命令体
// - childID: ChildID 的结果
// 返回：
// - string: 包装后的命令体
// - error: body 不以 '{' 开头时返回 CodeUnknownCommand
func WrapContext(body, childID string) (string, error) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") {
		return "", v1errors.New(v1errors.CodeUnknownCommand, "command body is not a json object")
	}
	id, err := json.Marshal(childID)
	if err != nil {
		return "", v1errors.Wrap(v1errors.CodeConfig, "encode child id", err)
	}
	rest := trimmed[1:]
	var b strings.Builder
	b.Grow(len(trimmed) + len(id) + 32)
	b.WriteString(`{"context":{"child_ids":[`)
	b.Write(id)
	b.WriteString(`]}`)
	// 空对象 "{}" 包装后不能留下多余的逗号
	if strings.TrimSpace(rest) != "}" {
		b.WriteByte(',')
	}
	b.WriteString(rest)
	return b.String(), nil
}

// ValidateBody 校验原始命令体为单个 JSON 对象。
func ValidateBody(body string) error {
	raw := bytes.TrimSpace([]byte(body))
	if len(raw) == 0 || raw[0] != '{' {
		return v1errors.New(v1errors.CodeUnknownCommand, "command body must be a json object")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	var obj map[string]json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		return v1errors.Wrap(v1errors.CodeUnknownCommand, "invalid command json", err)
	}
	if dec.More() {
		return v1errors.New(v1errors.CodeUnknownCommand, "command body has trailing data")
	}
	return nil
}
