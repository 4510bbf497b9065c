package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// resourceKeyLen — ширина дайджеста в hex-символах (16 байт).
const resourceKeyLen = 32

// ResourceKey сводит произвольный идентификатор ресурса (текст или URL картинки)
// к ключу фиксированной ширины. Полная строка хранится рядом для обратного поиска.
func ResourceKey(resource string) string {
	sum := sha256.Sum256([]byte(resource))
	return hex.EncodeToString(sum[:])[:resourceKeyLen]
}
