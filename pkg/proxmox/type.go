package proxmox

import (
	proxmoxapi "github.com/luthermonson/go-proxmox"

	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
)

type Proxmox struct {
	tool   balancer.Tool
	client *proxmoxapi.Client
}

// Wire shapes for the API paths the tool touches. Kept local so the cluster
// package stays free of Proxmox field names.

type nodeEntry struct {
	Node   string `json:"node"`
	Status string `json:"status"`
}

type nodeStatus struct {
	Memory struct {
		Total uint64 `json:"total"`
	} `json:"memory"`
	CPUInfo struct {
		CPUs int `json:"cpus"`
	} `json:"cpuinfo"`
}

type vmEntry struct {
	VMID   int    `json:"vmid"`
	Name   string `json:"name"`
	MaxMem uint64 `json:"maxmem"`
	CPUs   int    `json:"cpus"`
	MaxCPU int    `json:"maxcpu"`
	Status string `json:"status"`
}

type vmCurrent struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type haResource struct {
	SID string `json:"sid"`
}

type taskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}
