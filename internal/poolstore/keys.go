package poolstore

import "strings"

const (
	poolKeyPrefix = "pool:"
	idleSuffix    = ":idle"
	busySuffix    = ":busy"
)

func idleKey(tenantID string) string {
	return poolKeyPrefix + tenantID + idleSuffix
}

func busyKey(tenantID string) string {
	return poolKeyPrefix + tenantID + busySuffix
}

func infoKey(name string) string {
	return "container:" + name + ":info"
}

func tenantFromIdleKey(key string) (string, bool) {
	if !strings.HasPrefix(key, poolKeyPrefix) || !strings.HasSuffix(key, idleSuffix) {
		return "", false
	}
	tenant := strings.TrimSuffix(strings.TrimPrefix(key, poolKeyPrefix), idleSuffix)
	return tenant, tenant != ""
}
