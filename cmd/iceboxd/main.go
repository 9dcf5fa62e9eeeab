// Command iceboxd is the sandbox daemon. Depending on how it was
// invoked it plays one of three roles: the host-side Controller
// process an operator and judge clients talk to, or one of the two
// re-exec'd namespace tiers (init, supervisor) IsolationBootstrap
// spawns inside a sandbox — see sandbox.Role.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/net/netutil"

	"github.com/icebox-run/icebox/internal/sandbox"
	"github.com/icebox-run/icebox/internal/sandboxpool"
	log "github.com/icebox-run/icebox/pkg/minilog"
)

const banner = `icebox, a sandboxed execution daemon for online judges`

var (
	f_base     = flag.String("base", "/tmp/icebox", "base path for icebox scratch state and the admin socket")
	f_pool     = flag.Int("pool", 4, "number of warm sandboxes to keep ready in the pool")
	f_maxconns = flag.Int("maxconns", 32, "maximum simultaneous admin connections")
	f_memlimit = flag.Int64("memlimit", 256<<20, "per-sandbox cgroup memory limit in bytes, 0 to disable")
	f_pidsmax  = flag.Int64("pidsmax", 64, "per-sandbox cgroup pids.max, 0 to disable")
	f_nostdin  = flag.Bool("nostdin", false, "disable the operator console, useful for running iceboxd in the background")
)

func usage() {
	fmt.Println(banner)
	fmt.Println("usage: iceboxd [option]...")
	flag.PrintDefaults()
}

// daemon holds everything the admin socket and operator console share:
// the pool of warm sandboxes and a registry of the ones currently
// checked out, so a `shell <id>` or judge submission can be matched
// back to a live Controller.
type daemon struct {
	self string

	mu      sync.Mutex
	pool    *sandboxpool.Pool[*sandbox.Controller]
	active  map[string]*sandbox.Controller
	nextID  int
	logRing *log.Ring
}

func newDaemon(self string, poolSize int) *daemon {
	return &daemon{
		self:   self,
		pool:   sandboxpool.New[*sandbox.Controller](poolSize),
		active: make(map[string]*sandbox.Controller),
	}
}

// spawn starts one fresh sandbox and feeds it into the pool, replacing
// one that Close/Shutdown removed or topping the pool up at startup.
func (d *daemon) spawn() error {
	ctrl, err := sandbox.New(d.self, *f_base)
	if err != nil {
		return fmt.Errorf("spawn sandbox: %w", err)
	}
	d.pool.Put(ctrl)
	return nil
}

// checkout pulls one ready sandbox out of the pool and registers it
// under a short id, for callers (admin socket, console) that need to
// refer back to it — e.g. to ShellAttach into the same sandbox a
// submission just ran in.
func (d *daemon) checkout() (id string, ctrl *sandbox.Controller) {
	ctrl = d.pool.GetOne()

	d.mu.Lock()
	d.nextID++
	id = fmt.Sprintf("sb%d", d.nextID)
	d.active[id] = ctrl
	d.mu.Unlock()

	return id, ctrl
}

// checkoutPair pulls two ready sandboxes out of the pool atomically
// (Pool.GetTwo, spec.md §4.G) and registers both, for callers running an
// interactive judge pair that must never deadlock half-acquired against
// another concurrent pair request.
func (d *daemon) checkoutPair() (id1 string, ctrl1 *sandbox.Controller, id2 string, ctrl2 *sandbox.Controller) {
	ctrl1, ctrl2 = d.pool.GetTwo()

	d.mu.Lock()
	d.nextID++
	id1 = fmt.Sprintf("sb%d", d.nextID)
	d.nextID++
	id2 = fmt.Sprintf("sb%d", d.nextID)
	d.active[id1] = ctrl1
	d.active[id2] = ctrl2
	d.mu.Unlock()

	return id1, ctrl1, id2, ctrl2
}

// release returns ctrl to the pool if it's still usable, or drops it
// and spawns a replacement so the pool stays at capacity.
func (d *daemon) release(id string, ctrl *sandbox.Controller) {
	d.mu.Lock()
	delete(d.active, id)
	d.mu.Unlock()

	if err := ctrl.Cleanup(); err != nil {
		log.Warn("sandbox %s unusable after cleanup: %v, respawning", id, err)
		ctrl.Close()
		if err := d.spawn(); err != nil {
			log.Error("respawn after %s: %v", id, err)
		}
		return
	}
	d.pool.Put(ctrl)
}

// lookup finds an active (checked-out) sandbox by id, for the console's
// `shell` verb.
func (d *daemon) lookup(id string) (*sandbox.Controller, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctrl, ok := d.active[id]
	return ctrl, ok
}

func (d *daemon) snapshot() (poolLen int, activeIDs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.active {
		activeIDs = append(activeIDs, id)
	}
	return d.pool.Len(), activeIDs
}

func main() {
	// RunInit and EnterSupervisor never return to the host daemon body
	// below — they're re-exec'd invocations of this same binary that
	// SpawnNamespaced/RunInit dispatched into, not the Controller.
	switch sandbox.Role() {
	case sandbox.RoleInit:
		self, err := os.Executable()
		if err != nil {
			fmt.Fprintln(os.Stderr, "icebox: resolve self path:", err)
			os.Exit(1)
		}
		sandbox.RunInit(self)
		return

	case sandbox.RoleSupervisor:
		mountDir, binds, err := sandbox.DecodeBootstrapConfig()
		if err != nil {
			fmt.Fprintln(os.Stderr, "icebox:", err)
			os.Exit(1)
		}
		if err := sandbox.EnterSupervisor(mountDir, binds); err != nil {
			fmt.Fprintln(os.Stderr, "icebox: supervisor:", err)
			os.Exit(1)
		}
		return
	}

	flag.Usage = usage
	flag.Parse()

	log.Init()

	ring := log.NewRing(256)
	log.AddLogRing("console-ring", ring, log.DEBUG)

	self, err := os.Executable()
	if err != nil {
		log.Fatal("resolve self path: %v", err)
	}

	if err := os.MkdirAll(*f_base, 0770); err != nil {
		log.Fatal("mkdir base path: %v", err)
	}

	fmt.Println(banner)

	d := newDaemon(self, *f_pool)
	d.logRing = ring
	for i := 0; i < *f_pool; i++ {
		if err := d.spawn(); err != nil {
			log.Fatal("%v", err)
		}
	}
	log.Info("warmed pool with %d sandboxes", *f_pool)

	adminPath := filepath.Join(*f_base, "icebox.sock")
	os.Remove(adminPath)
	l, err := net.Listen("unix", adminPath)
	if err != nil {
		log.Fatal("admin socket: %v", err)
	}
	defer os.Remove(adminPath)
	l = netutil.LimitListener(l, *f_maxconns)

	adminSocketStart(l, d)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	if *f_nostdin {
		<-shutdown
	} else {
		go func() { <-shutdown; os.Exit(0) }()
		consoleLoop(d)
	}
}
