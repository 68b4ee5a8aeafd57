package launcher

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ml-infra/dist-launcher/hostfile"
)

func testLauncher(t *testing.T, hosts hostfile.Hosts) *Launcher {
	t.Helper()
	return &Launcher{
		lg:                 zap.NewNop(),
		cfg:                testConfig(t.TempDir()),
		hosts:              hosts,
		stopCreationCh:     make(chan struct{}),
		stopCreationChOnce: new(sync.Once),
		stopMu:             new(sync.Mutex),
		logsMu:             new(sync.RWMutex),
		outputs:            make(map[string][]string),
	}
}

func TestPlanNodesWithHostfile(t *testing.T) {
	ts := testLauncher(t, hostfile.Hosts{
		{Name: "worker0", Slots: 8},
		{Name: "worker1", Slots: 8},
		{Name: "worker2", Slots: 4},
	})
	ts.cfg.Runner.NNodes = "2:8"
	ts.cfg.Runner.MasterPort = 29500
	ts.cfg.Envs["CUDA_VISIBLE_DEVICES"] = "0,1,2,3,4,5"

	plans, err := ts.planNodes()
	if err != nil {
		t.Fatal(err)
	}
	if len(plans) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(plans))
	}
	for rank, plan := range plans {
		if plan.NodeRank != rank {
			t.Fatalf("expected rank %d, got %d", rank, plan.NodeRank)
		}
		if plan.NNodes != 2 {
			t.Fatalf("expected nnodes 2, got %d", plan.NNodes)
		}
		if plan.MasterAddr != "worker0" {
			t.Fatalf("expected master addr worker0, got %q", plan.MasterAddr)
		}
		if plan.MasterPort != 29500 {
			t.Fatalf("expected master port 29500, got %d", plan.MasterPort)
		}
		if plan.NProcPerNode != 6 {
			t.Fatalf("expected nproc 6 (visible device cap), got %d", plan.NProcPerNode)
		}
	}
}

func TestRunEachAttach(t *testing.T) {
	ts := testLauncher(t, nil)
	ts.cfg.Runner.Attach = true

	plans, err := ts.planNodes()
	if err != nil {
		t.Fatal(err)
	}
	if err = ts.runEach(plans[0], "abc123", time.Now(), true); err != nil {
		t.Fatal(err)
	}
	d, err := os.ReadFile(runScriptPath(ts.cfg, "localhost", 0))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(d), "nohup") {
		t.Fatalf("attached run must not detach with nohup:\n%s", string(d))
	}

	ts.cfg.Runner.Attach = false
	if err = ts.runEach(plans[0], "abc123", time.Now(), true); err != nil {
		t.Fatal(err)
	}
	d, err = os.ReadFile(runScriptPath(ts.cfg, "localhost", 0))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(d), "nohup") {
		t.Fatalf("detached run must use nohup:\n%s", string(d))
	}
}

func TestPlanNodesLocalOnly(t *testing.T) {
	ts := testLauncher(t, nil)
	ts.cfg.Runner.NProcPerNode = 2

	plans, err := ts.planNodes()
	if err != nil {
		t.Fatal(err)
	}
	if len(plans) != 1 {
		t.Fatalf("expected 1 node, got %d", len(plans))
	}
	plan := plans[0]
	if plan.Host != "localhost" || plan.NodeRank != 0 || plan.NNodes != 1 {
		t.Fatalf("unexpected local plan %+v", plan)
	}
	if plan.MasterAddr != "localhost" {
		t.Fatalf("expected master addr localhost, got %q", plan.MasterAddr)
	}
	if plan.MasterPort == 0 {
		t.Fatal("expected a free master port to be probed")
	}
	if plan.NProcPerNode != 2 {
		t.Fatalf("expected nproc 2, got %d", plan.NProcPerNode)
	}
}
