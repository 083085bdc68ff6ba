package utils

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NewSignalID 生成信号ID
func NewSignalID() string {
	return "sig_" + compactUUID()
}

// NewTradeID 生成交易ID，leg 为分腿序号（从1开始）
func NewTradeID(signalID string, leg int) string {
	return signalID + "_" + strconv.Itoa(leg) + "_" + compactUUID()[:8]
}

// NewConfirmationID 生成待确认修改ID
func NewConfirmationID() string {
	return "cfm_" + compactUUID()[:12]
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
