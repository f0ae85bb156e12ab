package config

import (
	"fmt"
	"os"
)

func Template() string {
	return defaultTemplate
}

// WriteTemplate writes the default config to path. An existing file is kept
// unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(defaultTemplate), 0o600)
}

const defaultTemplate = `# hubctl client target
host = "127.0.0.1"
port = 8080

# hubctl serve
listen = ":8080"
metrics_addr = "127.0.0.1:9090"

[transport]
connect_timeout = "5s"
connect_attempts = 3
write_timeout = "15s"
idle_timeout = "0s"
shutdown_timeout = "5s"
max_frame_bytes = 8388608
send_rate = 0.0
send_burst = 20
`
