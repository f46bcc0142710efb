package balancer

import "github.com/sirupsen/logrus"

type Tool interface {
	Version() string
	Log() *logrus.Entry
}
