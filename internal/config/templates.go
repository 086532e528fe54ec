package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "consumer":
		return consumerTemplate, nil
	case "producer":
		return producerTemplate, nil
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

const consumerTemplate = `node = "mllp-consumer"
listen_addr = "127.0.0.1:2575"
admin_listen_addr = "127.0.0.1:9575"
cors_origins = ["http://localhost:3000"]

connect_timeout = "30s"
receive_timeout = "15s"
read_timeout = "5s"
write_timeout = "15s"
idle_timeout = "0s"
idle_strategy = "reset"
dispatch_timeout = "5s"

require_end_of_data = true
validate_payload = false
auto_ack = true
hl7_headers = true

max_concurrent_consumers = 5
max_connections = 0
max_frame_bytes = 8388608

keep_alive = true
tcp_no_delay = true
log_phi = false
log_phi_max_bytes = 5120

tls_enabled = false
tls_cert_file = ""
tls_key_file = ""
tls_ca_file = ""
tls_client_auth = "none"
`

const producerTemplate = `node = "mllp-producer"
destination = "127.0.0.1:2575"

connect_timeout = "30s"
receive_timeout = "15s"
read_timeout = "5s"
write_timeout = "15s"
idle_timeout = "60s"
idle_strategy = "close"

require_end_of_data = true
validate_payload = false

max_frame_bytes = 8388608

keep_alive = true
tcp_no_delay = true
log_phi = false

tls_enabled = false
tls_ca_file = ""
tls_cert_file = ""
tls_key_file = ""
tls_server_name = ""
tls_insecure_skip_verify = false
`
