//go:build !linux

package capability

// registerHostProbes 非 Linux 宿主不注册任何原语
// 所有 Resolve 返回缺失，调用方走各自的回退或失败路径。
func registerHostProbes(r *Resolver) {}
