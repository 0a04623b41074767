package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

var quoteReplacer = strings.NewReplacer(
	"\r\n", "\n",
	"\r", "\n",
	"“", `"`, "”", `"`, "„", `"`, "«", `"`, "»", `"`, "＂", `"`,
	"‘", "'", "’", "'", "‚", "'", "＇", "'", "`", "'",
)

// Normalize 去首尾空白、统一引号与换行，保留大小写
func Normalize(s string) string {
	return strings.TrimSpace(quoteReplacer.Replace(s))
}

// ContentHash 单元内容指纹；QA 对同时覆盖问与答
func ContentHash(q, a string) string {
	nq, na := Normalize(q), Normalize(a)
	if na == "" {
		return sha256Hex(nq)
	}
	return sha256Hex(nq + "\n\x00\n" + na)
}

// ImageHash 图片单元按引用去重
func ImageHash(ref string) string {
	return sha256Hex("image\x00" + strings.TrimSpace(ref))
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
