// internal/web/install_script.go
package web

import (
	"bytes"
	"net/http"
	"text/template"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var installScript = template.Must(template.New("install").Parse(`#!/bin/sh
# fleetwatch agent installer for host {{.Name}} ({{.HostID}})
set -eu

if [ "$(id -u)" -ne 0 ]; then
	echo "run as root" >&2
	exit 1
fi

if ! command -v fleetwatch >/dev/null 2>&1; then
	echo "fleetwatch binary not found in PATH, install it first" >&2
	exit 1
fi

mkdir -p /etc/fleetwatch
umask 077
cat > /etc/fleetwatch/agent.yaml <<'EOF'
server_url: {{.ServerURL}}
credential: {{.Credential}}
report_interval: 3s
heartbeat_interval: 30s
reconnect_delay: 5s
EOF

cat > /etc/systemd/system/fleetwatch-agent.service <<EOF
[Unit]
Description=fleetwatch agent
After=network-online.target
Wants=network-online.target

[Service]
ExecStart=$(command -v fleetwatch) agent --config /etc/fleetwatch/agent.yaml
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
EOF

systemctl daemon-reload
systemctl enable --now fleetwatch-agent.service
echo "fleetwatch agent installed for {{.Name}}"
`))

type installParams struct {
	HostID     string
	Name       string
	Credential string
	ServerURL  string
}

// GET /api/hosts/:id/install-script
func (s *Server) getInstallScript(c *gin.Context) {
	host, ok := s.lookupHost(c, c.Param("id"))
	if !ok {
		return
	}

	var buf bytes.Buffer
	err := installScript.Execute(&buf, installParams{
		HostID:     host.ID,
		Name:       host.Name,
		Credential: host.Credential,
		ServerURL:  s.webSocketURL(c.Request),
	})
	if err != nil {
		logrus.WithError(err).WithField("host_id", host.ID).Error("Failed to render install script")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to render install script"})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="install-fleetwatch-agent.sh"`)
	c.Data(http.StatusOK, "text/x-shellscript; charset=utf-8", buf.Bytes())
}
