package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ovlab/ovlab/pkg/util"
)

// prepareFlashDir creates a per-node flash directory seeded with a minimal
// startup config and a zerotouch-config marker, per spec §4.6 step 2. Only
// called for vendor kinds with NeedsFlashDir set.
func (p *DockerProvider) prepareFlashDir(labID, nodeName string, startupConfig string) (hostPath string, err error) {
	hostPath = filepath.Join(p.flashBase, labID, nodeName, "flash")
	if err := os.MkdirAll(hostPath, 0755); err != nil {
		return "", fmt.Errorf("creating flash dir for %s: %w", nodeName, err)
	}

	if startupConfig == "" {
		startupConfig = "! no startup-config provided\nend\n"
	}
	if err := os.WriteFile(filepath.Join(hostPath, "startup-config"), []byte(startupConfig), 0644); err != nil {
		return "", fmt.Errorf("writing startup-config for %s: %w", nodeName, err)
	}
	if err := os.WriteFile(filepath.Join(hostPath, "zerotouch-config"), []byte("DISABLE=True\n"), 0644); err != nil {
		return "", fmt.Errorf("writing zerotouch-config for %s: %w", nodeName, err)
	}

	// ceos-config env-file: some services inside the container don't inherit
	// the container's env, so EOS_PLATFORM and friends are also dropped here.
	envFile := "CEOS=1\nEOS_PLATFORM=ceoslab\ncontainer=docker\nETBA=1\n"
	if err := os.WriteFile(filepath.Join(hostPath, "ceos-config"), []byte(envFile), 0644); err != nil {
		return "", fmt.Errorf("writing ceos-config env-file for %s: %w", nodeName, err)
	}
	return hostPath, nil
}

// SSHCredentials is how the provider reaches a node's management plane to
// pull its running config before stopping it.
type SSHCredentials struct {
	User     string
	Password string
	Port     int
	Timeout  time.Duration
}

// extractCEOSConfig execs "show running-config" over SSH to the node's
// management IP and saves the output, so the next deploy starts from the
// last known config (spec §4.6 "Config extraction on stop"), using an
// ssh.ClientConfig/Dial/NewSession/CombinedOutput sequence.
func (p *DockerProvider) extractCEOSConfig(labID, nodeName, mgmtIP string, creds SSHCredentials) error {
	if mgmtIP == "" {
		return fmt.Errorf("no management IP known for %s, skipping config extraction", nodeName)
	}

	timeout := creds.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	port := creds.Port
	if port == 0 {
		port = 22
	}

	config := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            []ssh.AuthMethod{ssh.Password(creds.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", mgmtIP, port), config)
	if err != nil {
		return fmt.Errorf("SSH dial to %s for config extraction: %w", nodeName, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("SSH session to %s for config extraction: %w", nodeName, err)
	}
	defer session.Close()

	out, err := session.CombinedOutput(`FastCli -p 15 -c "show running-config"`)
	if err != nil {
		return fmt.Errorf("running FastCli on %s: %w", nodeName, err)
	}

	dir := filepath.Join(p.configsDir(labID), nodeName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating configs dir for %s: %w", nodeName, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "startup-config"), out, 0644); err != nil {
		return fmt.Errorf("saving extracted config for %s: %w", nodeName, err)
	}

	util.WithFields(map[string]interface{}{"lab_id": labID, "node": nodeName}).Info("extracted running-config before stop")
	return nil
}

func (p *DockerProvider) configsDir(labID string) string {
	return filepath.Join(p.flashBase, labID, "configs")
}
