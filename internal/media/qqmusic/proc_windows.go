//go:build windows

package qqmusic

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

var errNotAttached = errors.New("qqmusic: not attached")

type winProcess struct {
	handle windows.Handle
}

func (p *winProcess) ReadAt(addr uintptr, buf []byte) error {
	var read uintptr
	if err := windows.ReadProcessMemory(p.handle, addr, &buf[0], uintptr(len(buf)), &read); err != nil {
		return fmt.Errorf("read process memory at %#x: %w", addr, err)
	}
	return nil
}

func (p *winProcess) Close() {
	windows.CloseHandle(p.handle)
}

// openTargetProcess finds the player by executable name and resolves
// the base address of its main DLL among the 32-bit modules.
func openTargetProcess() (memoryReader, uintptr, error) {
	pid, err := findProcessID(processName)
	if err != nil {
		return nil, 0, err
	}

	handle, err := windows.OpenProcess(
		windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_VM_READ, false, pid)
	if err != nil {
		return nil, 0, fmt.Errorf("open process %d: %w", pid, err)
	}

	base, err := findModuleBase(handle, moduleName)
	if err != nil {
		windows.CloseHandle(handle)
		return nil, 0, err
	}
	return &winProcess{handle: handle}, base, nil
}

func findProcessID(name string) (uint32, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return 0, fmt.Errorf("create process snapshot: %w", err)
	}
	defer windows.CloseHandle(snapshot)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	for err := windows.Process32First(snapshot, &entry); err == nil; err = windows.Process32Next(snapshot, &entry) {
		if windows.UTF16ToString(entry.ExeFile[:]) == name {
			return entry.ProcessID, nil
		}
	}
	return 0, fmt.Errorf("process %s not found", name)
}

func findModuleBase(process windows.Handle, name string) (uintptr, error) {
	var modules [1024]windows.Handle
	var needed uint32
	if err := windows.EnumProcessModulesEx(
		process,
		&modules[0],
		uint32(unsafe.Sizeof(modules)),
		&needed,
		windows.LIST_MODULES_32BIT,
	); err != nil {
		return 0, fmt.Errorf("enum process modules: %w", err)
	}

	count := int(needed / uint32(unsafe.Sizeof(modules[0])))
	if count > len(modules) {
		count = len(modules)
	}
	suffix := `\` + name
	var filename [windows.MAX_PATH]uint16
	for _, module := range modules[:count] {
		if err := windows.GetModuleFileNameEx(process, module, &filename[0], windows.MAX_PATH); err != nil {
			continue
		}
		if strings.HasSuffix(windows.UTF16ToString(filename[:]), suffix) {
			return uintptr(module), nil
		}
	}
	return 0, fmt.Errorf("module %s not found", name)
}
