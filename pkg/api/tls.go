package api

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"livefeed/pkg/config"
)

// ServerTLSConfig returns nil when files has no cert. A client CA turns on
// mutual TLS. HTTP/2 is not offered since websocket upgrades need HTTP/1.1.
func ServerTLSConfig(files config.TLSFiles) (*tls.Config, error) {
	if files.Cert == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(files.Cert, files.Key)
	if err != nil {
		return nil, fmt.Errorf("load cert/key: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}
	if files.ClientCA == "" {
		return cfg, nil
	}
	caData, err := os.ReadFile(files.ClientCA)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("invalid client ca %s", files.ClientCA)
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}
