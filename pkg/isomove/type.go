package isomove

import (
	"golang.org/x/crypto/ssh"

	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
)

type ISOMove struct {
	tool   balancer.Tool
	client *ssh.Client
}
