package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openworkshop/grblbridge"
	"github.com/openworkshop/grblbridge/internal/api"
	"github.com/openworkshop/grblbridge/internal/config"
	"github.com/openworkshop/grblbridge/internal/db"
	"github.com/openworkshop/grblbridge/internal/serialmux"
	"github.com/openworkshop/grblbridge/internal/version"
)

var (
	devMode       = flag.Bool("dev", false, "Run against a fake controller instead of real hardware")
	disableSerial = flag.Bool("disable-serial", false, "Run the HTTP surface without any serial device")
	listen        = flag.String("listen", "", "Listen address (overrides config)")
	port          = flag.String("port", "", "Serial port to use (overrides config, ignored in dev mode)")
	configPath    = flag.String("config", "", "Path to config file (optional)")
	noDB          = flag.Bool("no-db", false, "Disable the sqlite session log")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

// listenWithScan tries the configured address first and then walks forward
// through up to scan successive ports. Matches the behaviour shops expect
// when a stale bridge process is still holding the default port.
func listenWithScan(addr string, scan int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil || scan <= 0 {
		return ln, err
	}

	host, portStr, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return nil, err
	}
	base, convErr := net.LookupPort("tcp", portStr)
	if convErr != nil {
		return nil, err
	}

	for i := 1; i <= scan; i++ {
		next := net.JoinHostPort(host, fmt.Sprint(base+i))
		ln, lnErr := net.Listen("tcp", next)
		if lnErr == nil {
			log.Printf("address %s busy, listening on %s instead", addr, next)
			return ln, nil
		}
	}
	return nil, err
}

// logChatter watches controller lines arriving outside any client session and
// surfaces the notable ones in the server log. It returns when the context is
// cancelled or the subscription is closed (serial path gone).
func logChatter(ctx context.Context, m serialmux.SerialMuxInterface) {
	id, c := m.Subscribe()
	defer m.Unsubscribe(id)
	for {
		select {
		case line, ok := <-c:
			if !ok {
				log.Print("chatter routine terminated: subscription closed")
				return
			}
			switch serialmux.ClassifyLine(line) {
			case serialmux.LineTypeAlarm, serialmux.LineTypeError:
				log.Printf("controller reported: %s", line)
			case serialmux.LineTypeWelcome:
				log.Printf("controller online: %s", line)
			}
		case <-ctx.Done():
			log.Print("chatter routine terminated")
			return
		}
	}
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("grblbridge %s (%s)\n", version.Version, version.GitSHA)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *port != "" {
		cfg.SerialPort = *port
	}

	var m serialmux.SerialMuxInterface
	switch {
	case *disableSerial:
		log.Print("serial disabled; commands will be discarded")
		m = serialmux.NewDisabledSerialMux()
	case *devMode:
		log.Print("dev mode: using fake GRBL controller")
		m = serialmux.NewMockSerialMux()
	default:
		// give the controller time to finish its reset after the OS
		// opens the port; Grbl drops input sent during boot
		m, err = serialmux.NewRealSerialMux(cfg.SerialPort, cfg.PortOptions())
		if err != nil {
			log.Fatalf("failed to open controller port: %v", err)
		}
		if cfg.SettleDelay > 0 {
			log.Printf("waiting %s for controller to settle", cfg.SettleDelay)
			time.Sleep(cfg.SettleDelay)
		}
	}
	defer m.Close()

	if err := m.Initialize(); err != nil {
		log.Fatalf("failed to initialize controller: %v", err)
	}

	var database *db.DB
	if !*noDB {
		database, err = db.NewDB(cfg.DBPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer database.Close()
	}

	// bind before spawning anything so a bad listen address is a clean
	// startup failure rather than a half-running bridge
	ln, err := listenWithScan(cfg.Listen, cfg.PortScan)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.Listen, err)
	}

	// Create a wait group for the HTTP server, serial monitor, and chatter logger routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := m.Monitor(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		// a dead serial path can't serve clients; take the bridge down
		// rather than keep accepting sessions that will never relay
		if ctx.Err() == nil {
			log.Print("serial monitor stopped, shutting down")
			stop()
		}
		log.Print("monitor routine terminated")
	}()

	// subscribe to controller chatter and log anything notable (alarms,
	// errors) that arrives outside a client session
	wg.Add(1)
	go func() {
		defer wg.Done()
		logChatter(ctx, m)
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(ctx, m, database, cfg).ServeMux()

		serialmux.AttachAdminRoutesForMux(mux, m)
		if database != nil {
			database.AttachAdminRoutes(mux)
		}

		// read static files from the embedded filesystem in production or
		// from the local ./static in dev for easier iteration without
		// restarting the server
		var staticHandler http.Handler
		if *devMode {
			staticHandler = http.FileServer(http.Dir("./static"))
		} else {
			staticHandler = http.FileServer(http.FS(grblbridge.StaticFiles))
		}
		mux.Handle("/static/", http.StripPrefix("/static", staticHandler))
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/" {
				http.NotFound(w, r)
				return
			}
			http.Redirect(w, r, "/static/index.html", http.StatusFound)
		})

		server := &http.Server{
			Handler: api.LoggingMiddleware(mux),
		}

		log.Printf("grblbridge %s listening on %s (serial %s @ %d)",
			version.Version, ln.Addr(), cfg.SerialPort, cfg.BaudRate)

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// Create a shutdown context with a short timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
