package atproto

import (
	"fmt"
	"strings"
)

// Encode renders a Message's AT command line:
// `AT+<NAME>[=<args>]\r\n`, numeric args decimal, string args double-quoted,
// commas between fields.
func Encode(cmd Command, p Params) string {
	switch cmd {
	case CmdReset:
		return "AT+RST\r\n"
	case CmdWifiMode:
		return fmt.Sprintf("AT+CWMODE%s=%d\r\n", curOrDef(p.Persist), p.Mode)
	case CmdWifiJoin:
		return fmt.Sprintf("AT+CWJAP%s=%s,%s\r\n", curOrDef(p.Persist), quote(p.SSID), quote(p.Password))
	case CmdWifiQuit:
		return "AT+CWQAP\r\n"
	case CmdWifiListAPs:
		return "AT+CWLAP\r\n"
	case CmdCIPSTAGet:
		return "AT+CIPSTA?\r\n"
	case CmdCIPSTASet:
		return fmt.Sprintf("AT+CIPSTA%s=%s\r\n", curOrDef(p.Persist), quote(p.Host))
	case CmdCIPAPGet:
		return "AT+CIPAP?\r\n"
	case CmdCIPAPSet:
		return fmt.Sprintf("AT+CIPAP%s=%s\r\n", curOrDef(p.Persist), quote(p.Host))
	case CmdCIPSTAMACGet:
		return "AT+CIPSTAMAC?\r\n"
	case CmdCIPSTAMACSet:
		return fmt.Sprintf("AT+CIPSTAMAC%s=%s\r\n", curOrDef(p.Persist), quote(p.Host))
	case CmdCIPAPMACGet:
		return "AT+CIPAPMAC?\r\n"
	case CmdCIPAPMACSet:
		return fmt.Sprintf("AT+CIPAPMAC%s=%s\r\n", curOrDef(p.Persist), quote(p.Host))
	case CmdCIPMux:
		return fmt.Sprintf("AT+CIPMUX=%d\r\n", boolToInt(p.MuxEnable))
	case CmdCIPDinfo:
		return fmt.Sprintf("AT+CIPDINFO=%d\r\n", boolToInt(p.DinfoOn))
	case CmdCIPServer:
		if p.ServerOn {
			return fmt.Sprintf("AT+CIPSERVER=1,%d\r\n", p.Port)
		}
		return "AT+CIPSERVER=0\r\n"
	case CmdCIPStart:
		if strings.EqualFold(p.Type, "UDP") {
			return fmt.Sprintf("AT+CIPSTART=%d,%s,%s,%d,%d,%d\r\n",
				p.ConnID, quote(p.Type), quote(p.Host), p.Port, p.LocalPort, p.Mode2)
		}
		return fmt.Sprintf("AT+CIPSTART=%d,%s,%s,%d\r\n", p.ConnID, quote(p.Type), quote(p.Host), p.Port)
	case CmdCIPClose:
		return fmt.Sprintf("AT+CIPCLOSE=%d\r\n", p.ConnID)
	case CmdCIPSend:
		return fmt.Sprintf("AT+CIPSEND=%d,%d\r\n", p.ConnID, len(p.Data))
	case CmdCIPStatus:
		return "AT+CIPSTATUS\r\n"
	case CmdCIPSSLSize:
		return fmt.Sprintf("AT+CIPSSLSIZE=%d\r\n", p.SSLSizeKB)
	case CmdUART:
		return fmt.Sprintf("AT+UART%s=%d,8,1,0,0\r\n", curOrDef(p.Persist), p.BaudRate)
	default:
		return ""
	}
}

func curOrDef(persist bool) string {
	if persist {
		return "_DEF"
	}
	return "_CUR"
}

func quote(s string) string { return `"` + s + `"` }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
