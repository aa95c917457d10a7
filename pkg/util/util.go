// Package util 提供通用工具函数
package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// sessionCodeChars 易于区分的字符，避免 0/O、1/I/L 等容易混淆的字符
const sessionCodeChars = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// sessionCodePattern 会话码格式，同时接受历史上带数字 0/1 的码
var sessionCodePattern = regexp.MustCompile(`^[A-Z0-9]{3}-[A-Z0-9]{3}-[A-Z0-9]{3}$`)

// HashPassword 使用 bcrypt 哈希密码
// 参数:
//   - password: 明文密码
//
// 返回:
//   - string: 密码哈希值
//   - error: 哈希错误
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPassword 验证密码是否匹配
func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// HashToken 计算 Token 的 SHA256 哈希值
// 黑名单只存哈希，不存原始 Token
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// GenerateUUID 生成带连字符的 UUID v4
func GenerateUUID() string {
	return uuid.New().String()
}

// GenerateDeviceToken 生成设备令牌
// 64 字符的随机十六进制字符串
func GenerateDeviceToken() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// GenerateSessionCode 生成可分享的会话码
// 格式：XXX-XXX-XXX，便于口头转述
// 返回:
//   - string: 会话码，如 "ABC-234-XYZ"
func GenerateSessionCode() string {
	result := make([]byte, 9)
	for i := range result {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(sessionCodeChars))))
		result[i] = sessionCodeChars[n.Int64()]
	}
	return string(result[:3]) + "-" + string(result[3:6]) + "-" + string(result[6:])
}

// NormalizeSessionCode 把用户输入的会话码规范化
// 去掉首尾空白并转成大写
func NormalizeSessionCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidSessionCode 检查会话码格式
func ValidSessionCode(code string) bool {
	return sessionCodePattern.MatchString(code)
}

// GenerateStoredName 生成暂存文件在磁盘上的文件名
// 随机名加原始扩展名，不包含任何路径成分
func GenerateStoredName(originalName string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(originalName)))
	if len(ext) > 16 || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	return strings.ReplaceAll(uuid.New().String(), "-", "") + ext
}

// SanitizeFileName 去掉原始文件名里的路径成分
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

// TruncateString 截断字符串到指定长度
// 如果字符串超过指定长度，截断并添加 "..."
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// StringPtr 返回字符串的指针
func StringPtr(s string) *string {
	return &s
}

// Int64Ptr 返回 int64 的指针
func Int64Ptr(i int64) *int64 {
	return &i
}
