// Command gmsctl queries and drives members over their HTTP admin endpoint.
//
//	gmsctl -addr localhost:8080 info
//	gmsctl -addr localhost:8080 join 10.0.0.1:7946,10.0.0.2:7946
//	gmsctl -addr localhost:8080 leave
//	gmsctl -addr localhost:8080,localhost:8081 watch
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ryandielhenn/zephyrgms/pkg/node"
)

func main() {
	addrs := flag.String("addr", "localhost:8080", "comma separated admin addresses")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	interval := flag.Duration("interval", time.Second, "poll interval for watch")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: gmsctl [flags] info|join [contacts]|leave|watch")
		os.Exit(2)
	}
	client := &http.Client{Timeout: *timeout}
	targets := strings.Split(*addrs, ",")

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "info":
		err = forEach(targets, func(base string) error { return printInfo(client, base) })
	case "join":
		q := url.Values{}
		if flag.NArg() > 1 {
			q.Set("contacts", flag.Arg(1))
		}
		err = forEach(targets, func(base string) error { return post(client, base+"/join?"+q.Encode()) })
	case "leave":
		err = forEach(targets, func(base string) error { return post(client, base+"/leave") })
	case "watch":
		for {
			err = forEach(targets, func(base string) error { return printInfo(client, base) })
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			time.Sleep(*interval)
		}
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// forEach runs fn against every target concurrently and returns the first
// error.
func forEach(targets []string, fn func(base string) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i, t := range targets {
		wg.Add(1)
		go func(i int, base string) {
			defer wg.Done()
			errs[i] = fn(base)
		}(i, "http://"+node.NormalizeHostPort(strings.TrimSpace(t), "8080"))
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func printInfo(client *http.Client, base string) error {
	resp, err := client.Get(base + "/info")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var info node.InfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return fmt.Errorf("%s: decode info: %w", base, err)
	}
	fmt.Printf("%-12s %-22s %-12s view=%s suspected=%v queued=%d\n",
		info.ID, info.Addr, info.Role, info.View, info.Suspected, info.Queued)
	return nil
}

func post(client *http.Client, target string) error {
	resp, err := client.Post(target, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s: %s %s\n", target, resp.Status, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%s: %s", target, resp.Status)
	}
	return nil
}
