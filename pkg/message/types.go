package message

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// 错误定义
var (
	ErrInvalidChecksum = errors.New("消息校验和不匹配")
	ErrInvalidFormat   = errors.New("消息格式无效")
)

// 数据类型
const (
	DataTypeProviderHealth = "provider_health" // 提供商健康快照
	DataTypeHealthReport   = "health_report"   // 全部网络的汇总报告
)

// MessageHeader 消息头部信息
type MessageHeader struct {
	MessageID   string `json:"messageId"`
	Timestamp   int64  `json:"timestamp"`
	Version     string `json:"version"`
	Producer    string `json:"producer"`
	ContentType string `json:"contentType"`
}

// MessageMetadata 消息元数据
type MessageMetadata struct {
	Network   string `json:"network,omitempty"`
	DataType  string `json:"dataType"`
	BatchSize int    `json:"batchSize"`
	Version   uint64 `json:"registryVersion,omitempty"` // 生成时的注册表版本
}

// MessageFormat 标准消息格式。Payload 以原始 JSON 保存，解析后校验和保持不变。
type MessageFormat struct {
	Header   MessageHeader   `json:"header"`
	Metadata MessageMetadata `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
	Checksum string          `json:"checksum"`
}

// NewMessageFormat 创建新的消息格式，batchSize 为 payload 中的记录数
func NewMessageFormat(producer, network, dataType string, payload interface{}, batchSize int) (*MessageFormat, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	msg := &MessageFormat{
		Header: MessageHeader{
			MessageID:   uuid.New().String(),
			Timestamp:   time.Now().Unix(),
			Version:     "1.0",
			Producer:    producer,
			ContentType: "application/json",
		},
		Metadata: MessageMetadata{
			Network:   network,
			DataType:  dataType,
			BatchSize: batchSize,
		},
		Payload: raw,
	}

	// 计算校验和
	msg.Checksum = msg.CalculateChecksum()
	return msg, nil
}

// CalculateChecksum 计算消息校验和
func (m *MessageFormat) CalculateChecksum() string {
	// 创建消息副本，排除 checksum 字段
	temp := MessageFormat{
		Header:   m.Header,
		Metadata: m.Metadata,
		Payload:  m.Payload,
	}

	data, err := json.Marshal(temp)
	if err != nil {
		return ""
	}

	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// Validate 验证消息完整性
func (m *MessageFormat) Validate() error {
	if m.Header.MessageID == "" || m.Metadata.DataType == "" {
		return ErrInvalidFormat
	}
	if m.Checksum != m.CalculateChecksum() {
		return ErrInvalidChecksum
	}
	return nil
}

// SetRegistryVersion 记录注册表版本并重新计算校验和
func (m *MessageFormat) SetRegistryVersion(v uint64) {
	m.Metadata.Version = v
	m.Checksum = m.CalculateChecksum()
}

// DecodePayload 把 payload 解码到 v
func (m *MessageFormat) DecodePayload(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// ToJSON 将消息转换为 JSON 字符串
func (m *MessageFormat) ToJSON() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FromJSON 从 JSON 字符串解析消息
func FromJSON(jsonStr string) (*MessageFormat, error) {
	var msg MessageFormat
	if err := json.Unmarshal([]byte(jsonStr), &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return &msg, nil
}

// ToStreamValues 转换为 Redis Stream 字段
func (m *MessageFormat) ToStreamValues() (map[string]interface{}, error) {
	body, err := m.ToJSON()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"id":       m.Header.MessageID,
		"type":     m.Metadata.DataType,
		"network":  m.Metadata.Network,
		"checksum": m.Checksum,
		"body":     body,
	}, nil
}
