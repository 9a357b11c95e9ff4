package logrus

import (
	"github.com/sirupsen/logrus"

	refcache "github.com/nuchit2019/microservices-cache-redis-kafka"
)

type LogrusLogger struct{ E *logrus.Entry }

var _ refcache.Logger = LogrusLogger{}

func (l LogrusLogger) Debug(msg string, f refcache.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l LogrusLogger) Info(msg string, f refcache.Fields) {
	l.E.WithFields(logrus.Fields(f)).Info(msg)
}
func (l LogrusLogger) Warn(msg string, f refcache.Fields) {
	l.E.WithFields(logrus.Fields(f)).Warn(msg)
}
func (l LogrusLogger) Error(msg string, f refcache.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}
