package btltipc

import "github.com/sirupsen/logrus"

// baseLogger is the package-wide logrus instance; callers can replace it
// with SetLogger before any Component is created to redirect output or
// adjust level/formatter.
var baseLogger = logrus.New()

// SetLogger replaces the logrus instance btltipc logs through.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		baseLogger = l
	}
}

func componentLog(name string) *logrus.Entry {
	return baseLogger.WithField("component", name)
}

func moduleLog(c *logrus.Entry, addr string) *logrus.Entry {
	return c.WithField("module", addr)
}

func endpointLog(m *logrus.Entry, peer Identity) *logrus.Entry {
	return m.WithField("peer", peer.String())
}
