package idempotency

/*
Файл key.go — детерминированная деривация ключа идемпотентности.

Ключ = BLAKE2b-256(domain || 0x00 || поля с префиксом длины).
Префикс длины убирает неоднозначность склейки: ("ab","c") и ("a","bc") дают разные ключи.
Порядок бизнес-идентификаторов входит в контракт вызывающей стороны, здесь он не сортируется.

Дискриминатор обязан быть стабильным между повторами одной логической попытки:
токен клиента или грубая дата ("2025-01-01"). now() и случайные UUID запрещены.
*/

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

// Версия в домене позволяет сменить алгоритм, не пересекаясь со старыми ключами.
const (
	keyDomain         = "ledger-bridge/idempotency/v1"
	fingerprintDomain = "ledger-bridge/payload/v1"
)

// recordNamespace: пространство имен UUIDv5 для localRecordId.
var recordNamespace = uuid.MustParse("6f1c3f8e-2b4d-5a7e-9c10-3d2e4f5a6b7c")

// Derive: чистая функция, без I/O.
func Derive(op domain.OperationType, tenantID string, businessIDs []string, discriminator string) (string, error) {
	if op == "" {
		return "", domain.Validation("idempotency.derive", "operation_type is required")
	}
	if strings.TrimSpace(tenantID) == "" {
		return "", domain.Validation("idempotency.derive", "tenant_id is required")
	}
	if len(businessIDs) == 0 {
		return "", domain.Validation("idempotency.derive", "business identifiers are required")
	}
	if strings.TrimSpace(discriminator) == "" {
		return "", domain.Validation("idempotency.derive", "discriminator is required")
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("idempotency: init hash: %w", err)
	}
	h.Write([]byte(keyDomain))
	h.Write([]byte{0x00})

	writeField(h, string(op))
	writeField(h, tenantID)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(businessIDs)))
	h.Write(n[:])
	for _, id := range businessIDs {
		writeField(h, id)
	}
	writeField(h, discriminator)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// MustDerive: для тестов и фикстур.
func MustDerive(op domain.OperationType, tenantID string, businessIDs []string, discriminator string) string {
	key, err := Derive(op, tenantID, businessIDs, discriminator)
	if err != nil {
		panic(err)
	}
	return key
}

func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// Fingerprint: хэш содержимого команды. Ключ говорит "какая попытка",
// отпечаток: "с какими данными". Разные отпечатки при одном ключе, ConflictError.
func Fingerprint(payload domain.Payload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("idempotency: marshal payload: %w", err)
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("idempotency: init hash: %w", err)
	}
	h.Write([]byte(fingerprintDomain))
	h.Write([]byte{0x00})
	writeField(h, string(payload.OperationType()))
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LocalRecordID детерминированно выводит ID локальной записи из ключа:
// повторный прогон конвейера попадает в ту же строку корреляции.
func LocalRecordID(idempotencyKey string) string {
	return uuid.NewSHA1(recordNamespace, []byte(idempotencyKey)).String()
}
