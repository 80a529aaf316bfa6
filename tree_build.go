package gateway

// BuildObjectTree assembles the full object tree (Objects 0, 1, 3, 4, 5, 9,
// 10, 10259, 11, 12, 13) from the individual Build* constructors. It is
// called once per pass of the supervisor loop (Supervisor.runOnce), and every
// candidate address tried in that pass shares the tree, so Object 12's
// dynamic instances and Object 5/9's in-flight state reflect a fresh pass.
type TreeDeps struct {
	Model, Serial, FirmwareVersion string
	Clock                          TimeSource
	Mem                            MemorySource
	Reboot                         RebootFunc

	Net  NetworkInfo
	Cell CellularInfo

	UpdateScript   UpdateScriptRunner
	PackageName    string
	PackageVersion string
	OnActivate     func()

	Wifi WifiProfileSink

	SyslogReader SyslogReader

	BearerPreferences []string
}

func BuildObjectTree(deps TreeDeps, block *BlockEngine, bearer func() bearerCode) *Tree {
	tree := NewTree()

	secObj := NewBaseObject(0, true, DefaultSecurityInstance())
	secObj.Defaults = DefaultSecurityInstance
	tree.AddObject(secObj)

	srvObj := NewBaseObject(1, true, DefaultServerInstance())
	srvObj.Defaults = DefaultServerInstance
	tree.AddObject(srvObj)

	tree.AddObject(BuildDeviceObject(deps.Model, deps.Serial, deps.FirmwareVersion, deps.Clock, deps.Mem, deps.Reboot))
	tree.AddObject(BuildConnectivityMonitoringObject(deps.Net, deps.Cell, bearer))
	tree.AddObject(BuildFirmwareUpdateObject(tree, block, deps.UpdateScript))
	tree.AddObject(BuildSoftwareManagementObject(tree, block, deps.PackageName, deps.PackageVersion, deps.OnActivate))
	tree.AddObject(BuildCellularConnectivityObject(deps.Cell))
	tree.AddObject(BuildSystemLogObject(block, deps.SyslogReader))
	tree.AddObject(BuildAPNProfileObject(deps.Cell))
	tree.AddObject(BuildWLANObject(deps.Wifi))
	tree.AddObject(BuildBearerSelectionObject(deps.BearerPreferences))

	return tree
}
