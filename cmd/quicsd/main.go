// quicsd is a QUIC session daemon: it binds the configured endpoints,
// accepts sessions through a registered transport driver, and exposes
// Prometheus metrics. Transport drivers and the TLS provider are linked
// in by the embedding build, like database/sql drivers.
package main

import (
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/zys-contribs/quic"
)

// provider is set by the build that links a TLS provider in.
var provider quic.CryptoProvider

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, sockConf, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse configuration")
	}
	if provider == nil {
		log.Fatal("No TLS provider linked into this build")
	}
	sockConf.CryptoProvider = provider
	sockConf.Events = serverEvents()

	if conf.Metrics.Listen != "" {
		sockConf.MetricsRegisterer = prometheus.DefaultRegisterer
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(conf.Metrics.Listen, nil); err != nil {
				log.WithError(err).Error("Metrics endpoint failed")
			}
		}()
	}
	if conf.Qlog.File != "" {
		f, err := os.OpenFile(conf.Qlog.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.WithError(err).Fatal("Failed to open qlog file")
		}
		defer f.Close()
		sockConf.QlogWriter = f
	}

	socket, err := quic.NewSocket(sockConf)
	if err != nil {
		log.WithError(err).Fatal("Failed to create socket")
	}
	for _, addr := range conf.Socket.Listen {
		if err := socket.Listen(addr); err != nil {
			log.WithFields(log.Fields{"addr": addr, "error": err}).Fatal("Failed to bind endpoint")
		}
	}

	if err := socket.Serve(); err != nil {
		log.WithError(err).Fatal("Socket failed")
	}
}

// serverEvents logs the session lifecycle; an embedding application
// replaces this with its own listener.
func serverEvents() *quic.SessionEvents {
	return &quic.SessionEvents{
		SessionReady: func(s *quic.Session) {
			log.WithField("remote", s.RemoteAddr()).Info("Session ready")
		},
		Handshake: func(s *quic.Session, info *quic.HandshakeInfo) {
			log.WithFields(log.Fields{
				"remote": s.RemoteAddr(),
				"alpn":   info.ALPN,
				"cipher": info.CipherSuite,
			}).Info("Handshake completed")
		},
		StreamReady: func(st *quic.Stream) {
			log.WithField("stream", st.StreamID()).Debug("Stream opened")
		},
		StreamData: func(st *quic.Stream, data []byte, fin bool) {
			// echo service: send everything back
			if len(data) > 0 {
				_, _ = st.Write(data)
			}
			if fin {
				_ = st.End()
			}
		},
		Close: func(s *quic.Session, info *quic.CloseInfo) {
			log.WithFields(log.Fields{
				"remote": s.RemoteAddr(),
				"code":   info.Code,
				"family": info.Family.String(),
			}).Info("Session closed")
		},
		SilentClose: func(s *quic.Session, info *quic.CloseInfo) {
			log.WithFields(log.Fields{
				"remote":          s.RemoteAddr(),
				"stateless_reset": info.StatelessReset,
			}).Info("Session closed silently")
		},
	}
}
