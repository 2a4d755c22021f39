// Command healthcheck probes the live-tender liveness endpoint for container HEALTHCHECK use.
// Exit code 0 means healthy.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	if err := check(context.Background(), targetURL(os.Getenv("HEALTHCHECK_URL"), os.Getenv("HTTP_ADDR"))); err != nil {
		fmt.Fprintln(os.Stderr, "healthcheck:", err)
		os.Exit(1)
	}
}

// targetURL prefers an explicit URL, then derives one from the service listen address.
func targetURL(explicit, httpAddr string) string {
	if explicit != "" {
		return explicit
	}
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	if strings.HasPrefix(httpAddr, ":") || strings.HasPrefix(httpAddr, "0.0.0.0:") {
		httpAddr = "localhost:" + httpAddr[strings.LastIndex(httpAddr, ":")+1:]
	}
	return "http://" + httpAddr + "/healthz"
}

func check(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return nil
}
