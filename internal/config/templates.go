package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "participant":
		return participantTemplate, nil
	case "roster":
		return rosterTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const participantTemplate = `id = "worker-0"
mesh = "train"
roster = "http://127.0.0.1:8377"
roster_auth = ""
backend = "local"
capacity = 1.0
heartbeat_interval = "5s"
step_interval = "250ms"
debug_addr = ""
poll_interval = "1s"
max_staleness_polls = 5
barrier_quorum_timeout = "30s"
rebuild_retry_count = 3
group_wait_timeout = "30s"
build_timeout = "10s"
`

const rosterTemplate = `id = "rosterctl"
addr = ":8377"
auth = ""
cors_origins = ["http://localhost:3000"]
sweep_interval = "30s"
sweep_max_age = "5m"
participants = []
`
