package isomove

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
)

// New opens an SSH connection to the target node using the local SSH agent.
// ISO images live on storage mounts, not behind the API, so the copy goes
// over SFTP.
func New(tool balancer.Tool, address string, user string) (*ISOMove, error) {
	m := &ISOMove{
		tool: tool,
	}

	socket := os.Getenv("SSH_AUTH_SOCK")
	if len(socket) == 0 {
		return m, fmt.Errorf("SSH_AUTH_SOCK is not set, start an ssh-agent")
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return m, err
	}
	m.Log().Infof("Using SSH Agent with socket %s", socket)

	agentClient := agent.NewClient(conn)

	sshConfig := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeysCallback(agentClient.Signers),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	if !strings.Contains(address, ":") {
		address += ":22"
	}
	client, err := ssh.Dial("tcp", address, sshConfig)
	if err != nil {
		return m, err
	}
	m.client = client

	return m, nil
}

func (m *ISOMove) Log() *logrus.Entry {
	return m.tool.Log().WithField("context", "isomove")
}

// Transfer copies the local ISO into the remote storage directory and
// verifies the size afterwards.
func (m *ISOMove) Transfer(localPath string, remoteDir string) error {
	local, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer local.Close()

	info, err := local.Stat()
	if err != nil {
		return err
	}

	remotePath := filepath.Join(remoteDir, filepath.Base(localPath))
	m.Log().Infof("Starting transferring file %s (%d bytes)", remotePath, info.Size())

	client, err := sftp.NewClient(m.client)
	if err != nil {
		return err
	}
	defer client.Close()

	remote, err := client.Create(remotePath)
	if err != nil {
		return err
	}

	written, err := io.Copy(remote, local)
	if closeErr := remote.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	stat, err := client.Lstat(remotePath)
	if err != nil {
		return err
	}
	if stat.Size() != info.Size() {
		return fmt.Errorf("size mismatch after transfer: sent %d, remote has %d", written, stat.Size())
	}

	m.Log().Infof("Finished transferring file %s", remotePath)
	return nil
}

func (m *ISOMove) Close() {
	if m.client != nil {
		m.client.Close()
	}
}
