package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "ledger-bridge"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanPolicyUpdate: сигнал "tenant|business_key" после записи новой версии политики.
	// Все инстансы, подписанные на канал, сбрасывают запись в кэше резолвера.
	RedisChanPolicyUpdate = RedisNamespace + ":policy-update"
)
