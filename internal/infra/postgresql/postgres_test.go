package postgresql

import (
	"testing"
	"time"
)

func TestPoolOptionsDefaults(t *testing.T) {
	t.Parallel()

	got := PoolOptions{}.withDefaults()
	if got.MaxOpenConns != 25 || got.MaxIdleConns != 5 || got.ConnMaxLifetime != time.Hour {
		t.Fatalf("withDefaults() = %+v", got)
	}

	custom := PoolOptions{MaxOpenConns: 50, MaxIdleConns: 10, ConnMaxLifetime: time.Minute}.withDefaults()
	if custom.MaxOpenConns != 50 || custom.MaxIdleConns != 10 || custom.ConnMaxLifetime != time.Minute {
		t.Fatalf("withDefaults() overrode explicit values: %+v", custom)
	}
}
