package util

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// GenerateShortUUID 生成一个不带中划线的短 UUID
func GenerateShortUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewRunnerID 进程内组件的标识，形如 dispatcher-host-1a2b3c4d，写入租约便于排查
func NewRunnerID(role string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return role + "-" + host + "-" + GenerateShortUUID()[:8]
}
