package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func pickBool(flag bool, env string) (bool, error) {
	if flag {
		return true, nil
	}
	return envBool(env, false)
}

func envBool(env string, def bool) (bool, error) {
	v, ok := os.LookupEnv(env)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("%s: %w", env, err)
	}
	return b, nil
}

func pickDuration(flag time.Duration, env string, def time.Duration) (time.Duration, error) {
	if flag > 0 {
		return flag, nil
	}
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", env, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", env, d)
	}
	return d, nil
}

func pickInt(flag int, env string, def int) (int, error) {
	if flag > 0 {
		return flag, nil
	}
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", env, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s: negative value %d", env, n)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
