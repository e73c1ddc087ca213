package procedure

// ============================================================================
// 內建高可用程序
//
// failover    : 主庫失效，選出候選者並提升（舊主庫停止並標記 FAULTY）
// switchover  : 主庫正常，先阻擋寫入並等待從庫追上再切換
// promote     : 與 switchover 相同，可指定候選者；群組沒有主庫時跳過阻擋寫入
// demote      : 阻擋寫入、等待從庫追上、舊主庫改為 SPARE
// server_lost : 伺服器失聯，標記 FAULTY；若它是主庫則接著執行 failover 步驟
//
// 伺服器管理：
// set_server_status : 手動變更伺服器狀態（主庫只能是 RUNNING）
// add_server        : 新增伺服器到群組，從目前主庫複製
// remove_server     : 從群組移除非主庫的伺服器
//
// 所有程序都鎖定群組資源 group:<id>；伺服器管理程序另外鎖定 server:<id>
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ChuLiYu/fabric-recovery/internal/farm"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// Built-in action names.
const (
	ActFindCandidate     = "findCandidate"
	ActCheckCandidate    = "checkCandidate"
	ActStopOldMaster     = "stopOldMaster"
	ActRestartOldMaster  = "restartOldMaster"
	ActBlockWrites       = "blockWrites"
	ActUnblockWrites     = "unblockWrites"
	ActWaitSlaves        = "waitSlaves"
	ActPromoteCandidate  = "promoteCandidate"
	ActDemoteCandidate   = "demoteCandidate"
	ActReconfigureSlaves = "reconfigureSlaves"
	ActRestoreSlaves     = "restoreSlaves"
	ActMarkFaulty        = "markFaulty"
	ActSetSpare          = "setSpare"
	ActRestoreStatus     = "restoreStatus"
	ActSetServerStatus   = "setServerStatus"
	ActAddServer         = "addServer"
	ActRemoveAdded       = "removeAddedServer"
	ActRemoveServer      = "removeServer"
	ActReaddServer       = "readdServer"
)

// Built-in procedure names.
const (
	ProcFailover   = "failover"
	ProcSwitchover = "switchover"
	ProcPromote    = "promote"
	ProcDemote     = "demote"
	ProcServerLost = "server_lost"

	ProcSetServerStatus = "set_server_status"
	ProcAddServer       = "add_server"
	ProcRemoveServer    = "remove_server"
)

var errNoCandidateArg = errors.New("no candidate chosen")

// replication waits are retried; they fail transiently while slaves apply their backlog
var waitRetry = &types.RetrySpec{MaxAttempts: 5, InitialDelayMs: 100, MaxDelayMs: 2000, Multiplier: 2}

// NewDefaultRegistry returns a registry with every built-in action and procedure.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		panic(err)
	}
	return r
}

// RegisterBuiltins adds the built-in HA actions and procedures.
func RegisterBuiltins(r *Registry) error {
	kinds := []Kind{
		{Name: ActFindCandidate, Do: onlyIfMasterLost(findCandidate)},
		{Name: ActCheckCandidate, Do: onlyIfMasterLost(checkCandidate)},
		{Name: ActStopOldMaster, Do: stopOldMaster},
		{Name: ActRestartOldMaster, Do: restartOldMaster},
		{Name: ActBlockWrites, Do: blockWrites},
		{Name: ActUnblockWrites, Do: unblockWrites},
		{Name: ActWaitSlaves, Do: waitSlaves, Retry: waitRetry},
		{Name: ActPromoteCandidate, Do: onlyIfMasterLost(promoteCandidate)},
		{Name: ActDemoteCandidate, Do: demoteCandidate},
		{Name: ActReconfigureSlaves, Do: onlyIfMasterLost(reconfigureSlaves)},
		{Name: ActRestoreSlaves, Do: restoreSlaves},
		{Name: ActMarkFaulty, Do: markFaulty},
		{Name: ActSetSpare, Do: setSpare},
		{Name: ActRestoreStatus, Do: restoreStatus},
		{Name: ActSetServerStatus, Do: setServerStatus},
		{Name: ActAddServer, Do: addServer},
		{Name: ActRemoveAdded, Do: removeAddedServer},
		{Name: ActRemoveServer, Do: removeServer},
		{Name: ActReaddServer, Do: readdServer},
	}
	for _, k := range kinds {
		if err := r.RegisterAction(k); err != nil {
			return err
		}
	}

	switchSteps := func(map[string]string) []Step {
		return []Step{
			{Action: ActFindCandidate},
			{Action: ActCheckCandidate},
			{Action: ActBlockWrites, Compensator: ActUnblockWrites},
			{Action: ActWaitSlaves},
			{Action: ActPromoteCandidate, Compensator: ActDemoteCandidate},
			{Action: ActReconfigureSlaves, Compensator: ActRestoreSlaves},
		}
	}

	procs := []Procedure{
		{
			Name:        ProcFailover,
			Description: "replace a failed master with the best candidate",
			Required:    []string{"group"},
			Exclusive:   true,
			Resources:   groupResource,
			Steps: func(map[string]string) []Step {
				return []Step{
					{Action: ActFindCandidate},
					{Action: ActCheckCandidate},
					{Action: ActStopOldMaster, Compensator: ActRestartOldMaster},
					{Action: ActPromoteCandidate, Compensator: ActDemoteCandidate},
					{Action: ActReconfigureSlaves, Compensator: ActRestoreSlaves},
				}
			},
		},
		{
			Name:        ProcSwitchover,
			Description: "move the master role to a candidate while the master is healthy",
			Required:    []string{"group"},
			Exclusive:   true,
			Resources:   groupResource,
			Steps:       switchSteps,
		},
		{
			Name:        ProcPromote,
			Description: "promote a candidate (optionally given) to master",
			Required:    []string{"group"},
			Exclusive:   true,
			Resources:   groupResource,
			Steps:       switchSteps,
		},
		{
			Name:        ProcDemote,
			Description: "block writes on the master and turn it into a spare",
			Required:    []string{"group"},
			Exclusive:   true,
			Resources:   groupResource,
			Steps: func(map[string]string) []Step {
				return []Step{
					{Action: ActBlockWrites, Compensator: ActUnblockWrites},
					{Action: ActWaitSlaves},
					{Action: ActSetSpare, Compensator: ActRestoreStatus},
				}
			},
		},
		{
			Name:        ProcServerLost,
			Description: "mark a lost server faulty and fail over if it was the master",
			Required:    []string{"group", "server"},
			Exclusive:   true,
			Resources:   groupResource,
			Steps: func(map[string]string) []Step {
				return []Step{
					{Action: ActMarkFaulty, Compensator: ActRestoreStatus},
					{Action: ActFindCandidate},
					{Action: ActCheckCandidate},
					{Action: ActPromoteCandidate, Compensator: ActDemoteCandidate},
					{Action: ActReconfigureSlaves, Compensator: ActRestoreSlaves},
				}
			},
		},
		{
			Name:        ProcSetServerStatus,
			Description: "set a server's status to RUNNING, SPARE, OFFLINE or FAULTY",
			Required:    []string{"group", "server", "status"},
			Exclusive:   true,
			Resources:   serverResources,
			Validate: func(args map[string]string) error {
				_, err := farm.ParseStatus(args["status"])
				return err
			},
			Steps: func(map[string]string) []Step {
				return []Step{{Action: ActSetServerStatus, Compensator: ActRestoreStatus}}
			},
		},
		{
			Name:        ProcAddServer,
			Description: "add a server to a group as a slave of its master",
			Required:    []string{"group", "server"},
			Exclusive:   true,
			Resources:   serverResources,
			Steps: func(map[string]string) []Step {
				return []Step{{Action: ActAddServer, Compensator: ActRemoveAdded}}
			},
		},
		{
			Name:        ProcRemoveServer,
			Description: "remove a server that is not the master from its group",
			Required:    []string{"group", "server"},
			Exclusive:   true,
			Resources:   serverResources,
			Steps: func(map[string]string) []Step {
				return []Step{{Action: ActRemoveServer, Compensator: ActReaddServer}}
			},
		},
	}
	for _, p := range procs {
		if err := r.RegisterProcedure(p); err != nil {
			return err
		}
	}
	return nil
}

func groupResource(args map[string]string) []types.ResourceID {
	if args["group"] == "" {
		return nil
	}
	return []types.ResourceID{types.GroupResource(args["group"])}
}

// serverResources locks the server and its group.
func serverResources(args map[string]string) []types.ResourceID {
	res := groupResource(args)
	if args["server"] != "" {
		res = append(res, types.ServerResource(args["server"]))
	}
	return res
}

// onlyIfMasterLost skips an action when an earlier markFaulty found that the
// lost server was not the master.
func onlyIfMasterLost(fn ActionFunc) ActionFunc {
	return func(ctx context.Context, ac *Context) (map[string]string, error) {
		if ac.Prior["was_master"] == "false" {
			return map[string]string{"skipped": "true"}, nil
		}
		return fn(ctx, ac)
	}
}

// ============================================================================
// Actions
// ============================================================================

func findCandidate(ctx context.Context, ac *Context) (map[string]string, error) {
	group := ac.Arg("group")
	master, err := ac.Farm.Master(ctx, group)
	if err != nil {
		return nil, err
	}
	candidate := ac.Args["candidate"]
	if candidate == "" {
		if candidate, err = ac.Farm.FindCandidate(ctx, group); err != nil {
			return nil, err
		}
	}
	ac.Log.Info("candidate chosen", "group", group, "candidate", candidate, "old_master", master)
	return map[string]string{"candidate": candidate, "old_master": master}, nil
}

func checkCandidate(ctx context.Context, ac *Context) (map[string]string, error) {
	candidate := ac.Arg("candidate")
	if candidate == "" {
		return nil, errNoCandidateArg
	}
	return nil, ac.Farm.CheckCandidate(ctx, ac.Arg("group"), candidate)
}

func stopOldMaster(ctx context.Context, ac *Context) (map[string]string, error) {
	master := ac.Arg("old_master")
	if master == "" {
		return map[string]string{"stopped": ""}, nil
	}
	if err := ac.Farm.StopServer(ctx, master); err != nil {
		return nil, err
	}
	prev, err := ac.Farm.SetStatus(ctx, master, farm.StatusFaulty)
	if err != nil {
		return nil, err
	}
	return map[string]string{"stopped": master, "old_status": string(prev)}, nil
}

func restartOldMaster(ctx context.Context, ac *Context) (map[string]string, error) {
	master := ac.Snapshot["stopped"]
	if master == "" {
		return nil, nil
	}
	if err := ac.Farm.StartServer(ctx, master); err != nil {
		return nil, err
	}
	if status := ac.Snapshot["old_status"]; status != "" {
		if _, err := ac.Farm.SetStatus(ctx, master, farm.ServerStatus(status)); err != nil {
			return nil, err
		}
	}
	return nil, ac.Farm.Promote(ctx, ac.Arg("group"), master)
}

func blockWrites(ctx context.Context, ac *Context) (map[string]string, error) {
	master, err := ac.Farm.BlockWrites(ctx, ac.Arg("group"))
	if err != nil {
		return nil, err
	}
	return map[string]string{"blocked": master, "old_master": master}, nil
}

func unblockWrites(ctx context.Context, ac *Context) (map[string]string, error) {
	master := ac.Snapshot["blocked"]
	if master == "" {
		return nil, nil
	}
	return nil, ac.Farm.UnblockWrites(ctx, ac.Arg("group"), master)
}

func waitSlaves(ctx context.Context, ac *Context) (map[string]string, error) {
	master := ac.Arg("old_master")
	if master == "" {
		return nil, nil
	}
	start := time.Now()
	if err := ac.Farm.WaitSlavesCatchUp(ctx, ac.Arg("group"), master); err != nil {
		return nil, err
	}
	return map[string]string{"waited_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10)}, nil
}

func promoteCandidate(ctx context.Context, ac *Context) (map[string]string, error) {
	candidate := ac.Arg("candidate")
	if candidate == "" {
		return nil, errNoCandidateArg
	}
	if err := ac.Farm.Promote(ctx, ac.Arg("group"), candidate); err != nil {
		return nil, err
	}
	return map[string]string{"master": candidate}, nil
}

func demoteCandidate(ctx context.Context, ac *Context) (map[string]string, error) {
	master := ac.Snapshot["master"]
	if master == "" {
		return nil, nil
	}
	return nil, ac.Farm.Demote(ctx, ac.Arg("group"), master)
}

// reconfigureSlaves points every healthy member at the new master. A member
// that cannot be reconfigured is logged and left alone.
func reconfigureSlaves(ctx context.Context, ac *Context) (map[string]string, error) {
	candidate := ac.Arg("candidate")
	n, err := pointMembersAt(ctx, ac, candidate)
	if err != nil {
		return nil, err
	}
	return map[string]string{"reconfigured": strconv.Itoa(n)}, nil
}

func restoreSlaves(ctx context.Context, ac *Context) (map[string]string, error) {
	old := ac.Prior["old_master"]
	if old == "" {
		return nil, nil
	}
	_, err := pointMembersAt(ctx, ac, old)
	return nil, err
}

func pointMembersAt(ctx context.Context, ac *Context, master string) (int, error) {
	servers, err := ac.Farm.Servers(ctx, ac.Arg("group"))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range servers {
		if s.ID == master || s.Status == farm.StatusFaulty {
			continue
		}
		if err := ac.Farm.ChangeMaster(ctx, s.ID, master); err != nil {
			ac.Log.Warn("change master failed", "server", s.ID, "master", master, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func markFaulty(ctx context.Context, ac *Context) (map[string]string, error) {
	server := ac.Arg("server")
	master, err := ac.Farm.Master(ctx, ac.Arg("group"))
	if err != nil {
		return nil, err
	}
	prev, err := ac.Farm.SetStatus(ctx, server, farm.StatusFaulty)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"status_server": server,
		"old_status":    string(prev),
		"was_master":    strconv.FormatBool(master == server),
	}, nil
}

func setSpare(ctx context.Context, ac *Context) (map[string]string, error) {
	server := ac.Arg("old_master")
	if server == "" {
		return nil, nil
	}
	prev, err := ac.Farm.SetStatus(ctx, server, farm.StatusSpare)
	if err != nil {
		return nil, err
	}
	return map[string]string{"status_server": server, "old_status": string(prev)}, nil
}

func restoreStatus(ctx context.Context, ac *Context) (map[string]string, error) {
	server := ac.Snapshot["status_server"]
	if server == "" {
		return nil, nil
	}
	_, err := ac.Farm.SetStatus(ctx, server, farm.ServerStatus(ac.Snapshot["old_status"]))
	return nil, err
}

// ============================================================================
// 伺服器管理
// ============================================================================

// member returns server's view, failing unless it belongs to group.
func member(ctx context.Context, ac *Context, group, server string) (farm.Server, error) {
	servers, err := ac.Farm.Servers(ctx, group)
	if err != nil {
		return farm.Server{}, err
	}
	for _, s := range servers {
		if s.ID == server {
			return s, nil
		}
	}
	return farm.Server{}, fmt.Errorf("%w: %s not in group %s", farm.ErrServerNotFound, server, group)
}

// setServerStatus 主庫只能保持 RUNNING；FAULTY/OFFLINE 不能直接改為 SPARE；
// 改回 RUNNING 需要伺服器存活
func setServerStatus(ctx context.Context, ac *Context) (map[string]string, error) {
	group, server := ac.Arg("group"), ac.Arg("server")
	status, err := farm.ParseStatus(ac.Arg("status"))
	if err != nil {
		return nil, err
	}
	srv, err := member(ctx, ac, group, server)
	if err != nil {
		return nil, err
	}
	master, err := ac.Farm.Master(ctx, group)
	if err != nil {
		return nil, err
	}

	switch {
	case master == server && status != farm.StatusRunning:
		return nil, fmt.Errorf("%w: cannot set %s to %s", farm.ErrServerIsMaster, server, status)
	case status == farm.StatusSpare && (srv.Status == farm.StatusFaulty || srv.Status == farm.StatusOffline):
		return nil, fmt.Errorf("cannot put %s server %s in spare mode", srv.Status, server)
	case status == farm.StatusRunning && !srv.Alive:
		return nil, fmt.Errorf("cannot set unreachable server %s to RUNNING", server)
	}

	prev, err := ac.Farm.SetStatus(ctx, server, status)
	if err != nil {
		return nil, err
	}
	ac.Log.Info("server status changed", "server", server, "from", prev, "to", status)
	return map[string]string{"status_server": server, "old_status": string(prev)}, nil
}

func addServer(ctx context.Context, ac *Context) (map[string]string, error) {
	group, server := ac.Arg("group"), ac.Arg("server")
	if err := ac.Farm.AddServer(ctx, group, server); err != nil {
		return nil, err
	}
	return map[string]string{"added": server}, nil
}

func removeAddedServer(ctx context.Context, ac *Context) (map[string]string, error) {
	server := ac.Snapshot["added"]
	if server == "" {
		return nil, nil
	}
	return nil, ac.Farm.RemoveServer(ctx, ac.Arg("group"), server)
}

func removeServer(ctx context.Context, ac *Context) (map[string]string, error) {
	group, server := ac.Arg("group"), ac.Arg("server")
	srv, err := member(ctx, ac, group, server)
	if err != nil {
		return nil, err
	}
	if err := ac.Farm.RemoveServer(ctx, group, server); err != nil {
		return nil, err
	}
	return map[string]string{"removed": server, "old_status": string(srv.Status)}, nil
}

func readdServer(ctx context.Context, ac *Context) (map[string]string, error) {
	server := ac.Snapshot["removed"]
	if server == "" {
		return nil, nil
	}
	group := ac.Arg("group")
	if err := ac.Farm.AddServer(ctx, group, server); err != nil {
		return nil, err
	}
	if status := ac.Snapshot["old_status"]; status != "" && status != string(farm.StatusRunning) {
		if _, err := ac.Farm.SetStatus(ctx, server, farm.ServerStatus(status)); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
