package zkteco

var (
	Checksum         = checksum
	CommKey          = commKey
	DecodeTime       = decodeTime
	EncodeTime       = encodeTime
	DecodeUsers      = decodeUsers
	DecodeRecords    = decodeRecords
	BuildPacket      = buildPacket
	NewStringDecoder = newStringDecoder
)

// Command and ack codes for tests that speak the device side of the protocol.
const (
	CmdAttLogRRQ     = cmdAttLogRRQ
	CmdUserTempRRQ   = cmdUserTempRRQ
	CmdGetFreeSizes  = cmdGetFreeSizes
	CmdGetTime       = cmdGetTime
	CmdConnect       = cmdConnect
	CmdExit          = cmdExit
	CmdAuth          = cmdAuth
	CmdPrepareData   = cmdPrepareData
	CmdData          = cmdData
	CmdFreeData      = cmdFreeData
	CmdPrepareBuffer = cmdPrepareBuffer
	CmdReadBuffer    = cmdReadBuffer
	CmdAckOK         = cmdAckOK
	CmdAckError      = cmdAckError
	CmdAckUnauth     = cmdAckUnauth
)
