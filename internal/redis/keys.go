package redisx

import "fmt"

const ns = "tixmint:v1"

func KeyGame(gameID string) string {
	return fmt.Sprintf("%s:game:%s", ns, gameID)
}

func KeyGameList() string {
	return ns + ":games"
}

func KeyRateLimit(scope, id string) string {
	return fmt.Sprintf("%s:rl:%s:%s", ns, scope, id)
}

func KeyIdemPurchase(buyer, idemKey string) string {
	return fmt.Sprintf("%s:idem:purchase:%s:%s", ns, buyer, idemKey)
}

func ChannelGamesChanged() string {
	return ns + ":games:changed"
}

// StreamPrefix namespaces the Redis streams used by the issuance bus.
func StreamPrefix() string {
	return ns + ":stream:"
}
