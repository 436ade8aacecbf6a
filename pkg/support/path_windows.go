package support

var systemPaths = Paths{
	StateDir: `C:\ProgramData\backupd`,
	LogFile:  `C:\ProgramData\backupd\log\backupd.log`,
	Addr:     "127.0.0.1:11810",
}

const userStateDir = `AppData\Local\backupd`

func userAddr(string) string {
	return "127.0.0.1:11810"
}
