package discovery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ophyd-epics-devices/epicsdev/pkg/discovery"
	"github.com/ophyd-epics-devices/epicsdev/pkg/discovery/mocks"
)

func TestGatewayTXTRoundTrip(t *testing.T) {
	info := &discovery.GatewayInfo{Name: "bl01", TLS: true, Providers: []string{"pvgw", "ca"}, PVCount: 42}
	strs := discovery.TXTRecordsToStrings(discovery.EncodeGatewayTXT(info))
	assert.Equal(t, []string{"prov=pvgw,ca", "pvs=42", "tls=1", "ver=1"}, strs)

	var svc discovery.GatewayService
	require.NoError(t, discovery.DecodeGatewayTXT(discovery.StringsToTXTRecords(strs), &svc))
	assert.True(t, svc.TLS)
	assert.Equal(t, 1, svc.Version)
	assert.Equal(t, []string{"pvgw", "ca"}, svc.Providers)
	assert.Equal(t, 42, svc.PVCount)
}

func TestDecodeGatewayTXTErrors(t *testing.T) {
	tests := []struct {
		name string
		txt  discovery.TXTRecordMap
		want error
	}{
		{"missing version", discovery.TXTRecordMap{"tls": "0"}, discovery.ErrMissingRequired},
		{"bad version", discovery.TXTRecordMap{"ver": "x"}, discovery.ErrInvalidTXTRecord},
		{"bad tls", discovery.TXTRecordMap{"ver": "1", "tls": "maybe"}, discovery.ErrInvalidTXTRecord},
		{"bad count", discovery.TXTRecordMap{"ver": "1", "pvs": "-3"}, discovery.ErrInvalidTXTRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var svc discovery.GatewayService
			assert.ErrorIs(t, discovery.DecodeGatewayTXT(tt.txt, &svc), tt.want)
		})
	}
}

func TestStringsToTXTRecords(t *testing.T) {
	txt := discovery.StringsToTXTRecords([]string{"ver=1", "flag", "", "path=a=b"})
	assert.Equal(t, discovery.TXTRecordMap{"ver": "1", "flag": "", "path": "a=b"}, txt)
}

func TestValidateInstanceName(t *testing.T) {
	assert.NoError(t, discovery.ValidateInstanceName("bl01-gateway"))
	assert.ErrorIs(t, discovery.ValidateInstanceName(""), discovery.ErrEmptyInstanceName)
	long := make([]byte, discovery.MaxInstanceNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.ErrorIs(t, discovery.ValidateInstanceName(string(long)), discovery.ErrInstanceNameTooLong)
}

func TestServiceAddress(t *testing.T) {
	svc := &discovery.GatewayService{Host: "gw.local.", Port: 6000}
	addr, err := svc.Address()
	require.NoError(t, err)
	assert.Equal(t, "gw.local.:6000", addr)

	svc = &discovery.GatewayService{Host: "gw.local.", Addresses: []string{"fe80::1", "10.0.0.2"}}
	addr, err = svc.Address()
	require.NoError(t, err)
	assert.Equal(t, "[fe80::1]:5080", addr)

	_, err = (&discovery.GatewayService{}).Address()
	assert.ErrorIs(t, err, discovery.ErrNoAddress)
}

func TestFilterByProvider(t *testing.T) {
	in := make(chan *discovery.GatewayService, 3)
	in <- &discovery.GatewayService{InstanceName: "a", Providers: []string{"pvgw"}}
	in <- &discovery.GatewayService{InstanceName: "b", Providers: []string{"ca"}}
	in <- &discovery.GatewayService{InstanceName: "c", Providers: []string{"ca", "pvgw"}}
	close(in)

	var names []string
	for svc := range discovery.FilterBrowseResults(in, discovery.FilterByProvider("pvgw")) {
		names = append(names, svc.InstanceName)
	}
	assert.Equal(t, []string{"a", "c"}, names)
}

func TestResolveByName(t *testing.T) {
	b := mocks.NewMockBrowser(t)
	b.EXPECT().Find(mock.Anything, "bl01").Return(&discovery.GatewayService{
		InstanceName: "bl01", Addresses: []string{"10.0.0.5"}, Port: 5080,
	}, nil)

	addr, err := discovery.Resolve(context.Background(), b, "bl01", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:5080", addr)
}

func TestResolveFirst(t *testing.T) {
	b := mocks.NewMockBrowser(t)
	results := make(chan *discovery.GatewayService, 1)
	results <- &discovery.GatewayService{InstanceName: "any", Host: "gw", Port: 7000}
	b.EXPECT().Browse(mock.Anything).Return(results, nil)

	addr, err := discovery.Resolve(context.Background(), b, "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "gw:7000", addr)
}

func TestResolveNothingFound(t *testing.T) {
	b := mocks.NewMockBrowser(t)
	b.EXPECT().Browse(mock.Anything).Return(make(chan *discovery.GatewayService), nil)

	_, err := discovery.Resolve(context.Background(), b, "", 20*time.Millisecond)
	assert.ErrorIs(t, err, discovery.ErrNotFound)

	b = mocks.NewMockBrowser(t)
	b.EXPECT().Find(mock.Anything, "gone").Return(nil, discovery.ErrNotFound)
	_, err = discovery.Resolve(context.Background(), b, "gone", time.Second)
	assert.ErrorIs(t, err, discovery.ErrNotFound)
}

func TestManager(t *testing.T) {
	adv := mocks.NewMockAdvertiser(t)
	m := discovery.NewManager(adv, nil)

	var transitions []string
	m.OnStateChange(func(old, new discovery.ManagerState) {
		transitions = append(transitions, old.String()+"->"+new.String())
	})

	assert.ErrorIs(t, m.SetPVCount(3), discovery.ErrNotAdvertising)

	adv.EXPECT().Advertise(mock.Anything, mock.MatchedBy(func(info *discovery.GatewayInfo) bool {
		return info.Name == "sim" && info.PVCount == 2
	})).Return(nil).Once()
	require.NoError(t, m.Start(context.Background(), discovery.GatewayInfo{Name: "sim", PVCount: 2}))
	assert.Equal(t, discovery.StateAdvertising, m.State())

	require.NoError(t, m.SetPVCount(2), "unchanged count is not republished")
	adv.EXPECT().Update(mock.MatchedBy(func(info *discovery.GatewayInfo) bool {
		return info.PVCount == 5
	})).Return(nil).Once()
	require.NoError(t, m.SetPVCount(5))

	adv.EXPECT().Stop().Return(nil).Once()
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	assert.Equal(t, discovery.StateStopped, m.State())
	assert.Equal(t, []string{"STOPPED->ADVERTISING", "ADVERTISING->STOPPED"}, transitions)
}

func TestManagerStartFailure(t *testing.T) {
	adv := mocks.NewMockAdvertiser(t)
	m := discovery.NewManager(adv, nil)

	assert.ErrorIs(t, m.Start(context.Background(), discovery.GatewayInfo{}), discovery.ErrEmptyInstanceName)

	boom := errors.New("no multicast interface")
	adv.EXPECT().Advertise(mock.Anything, mock.Anything).Return(boom)
	assert.ErrorIs(t, m.Start(context.Background(), discovery.GatewayInfo{Name: "sim"}), boom)
	assert.Equal(t, discovery.StateStopped, m.State())
}
