package discovery

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// TXTRecordMap represents TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeGatewayTXT builds the TXT record of a gateway advertisement.
func EncodeGatewayTXT(info *GatewayInfo) TXTRecordMap {
	version := info.Version
	if version == 0 {
		version = ProtocolVersion
	}
	txt := TXTRecordMap{
		TXTKeyVersion: strconv.Itoa(version),
		TXTKeyTLS:     "0",
	}
	if info.TLS {
		txt[TXTKeyTLS] = "1"
	}
	if len(info.Providers) > 0 {
		txt[TXTKeyProviders] = strings.Join(info.Providers, ",")
	}
	if info.PVCount > 0 {
		txt[TXTKeyPVCount] = strconv.Itoa(info.PVCount)
	}
	return txt
}

// DecodeGatewayTXT parses a gateway TXT record into service fields.
func DecodeGatewayTXT(txt TXTRecordMap, svc *GatewayService) error {
	ver, ok := txt[TXTKeyVersion]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyVersion)
	}
	v, err := strconv.Atoi(ver)
	if err != nil || v <= 0 {
		return fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyVersion, ver)
	}
	svc.Version = v

	switch txt[TXTKeyTLS] {
	case "1", "true":
		svc.TLS = true
	case "", "0", "false":
		svc.TLS = false
	default:
		return fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyTLS, txt[TXTKeyTLS])
	}

	svc.Providers = nil
	if p := txt[TXTKeyProviders]; p != "" {
		for _, name := range strings.Split(p, ",") {
			if name = strings.TrimSpace(name); name != "" {
				svc.Providers = append(svc.Providers, name)
			}
		}
	}

	svc.PVCount = 0
	if n, ok := txt[TXTKeyPVCount]; ok {
		count, err := strconv.Atoi(n)
		if err != nil || count < 0 {
			return fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyPVCount, n)
		}
		svc.PVCount = count
	}
	return nil
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	slices.Sort(result)
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, _ := strings.Cut(s, "=")
		if k != "" {
			txt[k] = v
		}
	}
	return txt
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return ErrEmptyInstanceName
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}

func txtSize(strs []string) int {
	n := 0
	for _, s := range strs {
		n += len(s) + 1
	}
	return n
}
